// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serviceURL   string
	jsonOutput   bool
	calcPriority string
)

var (
	rootCmd = &cobra.Command{
		Use:   "zinsctl",
		Short: "A CLI for the realtime calculation service",
		Long: `zinsctl talks to a running calculation service: run one-off
calculations, list registered calculators, and inspect cache, worker,
and debounce statistics.`,
	}
	calcCmd = &cobra.Command{
		Use:   "calc [calculator-id] [key=value ...]",
		Short: "Run one calculation synchronously",
		Long: `Sends a calculation request and prints the outputs.

Examples:
  zinsctl calc compound-interest principal=10000 annual_rate=5 years=10 compound_frequency=monthly
  zinsctl calc savings-plan principal=0 monthly_payment=500 annual_rate=4 years=20 compound_frequency=monthly`,
		Args: cobra.MinimumNArgs(2),
		RunE: runCalcCommand,
	}
	calculatorsCmd = &cobra.Command{
		Use:   "calculators",
		Short: "List registered calculator ids",
		RunE:  runCalculatorsCommand,
	}
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check service liveness and degradation",
		RunE:  runHealthCommand,
	}
	statsCmd = &cobra.Command{
		Use:   "stats [cache|workers|debounce|behavior]",
		Short: "Inspect pipeline statistics",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatsCommand,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serviceURL, "url", "", "service base URL (default $CALC_SERVICE_URL or http://localhost:12230)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON responses")
	calcCmd.Flags().StringVar(&calcPriority, "priority", "", "priority class: high, medium, or low")

	rootCmd.AddCommand(calcCmd)
	rootCmd.AddCommand(calculatorsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statsCmd)
}

func baseURL() string {
	if serviceURL != "" {
		return strings.TrimRight(serviceURL, "/")
	}
	if env := os.Getenv("CALC_SERVICE_URL"); env != "" {
		return strings.TrimRight(env, "/")
	}
	return "http://localhost:12230"
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func getJSON(path string) (map[string]any, []byte, error) {
	resp, err := httpClient.Get(baseURL() + path)
	if err != nil {
		return nil, nil, fmt.Errorf("service unreachable: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, body, fmt.Errorf("service returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, body, err
	}
	return parsed, body, nil
}

// parseInputArgs turns key=value pairs into a JSON inputs object,
// keeping numeric values numeric.
func parseInputArgs(args []string) (map[string]any, error) {
	inputs := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var num json.Number
		if err := json.Unmarshal([]byte(value), &num); err == nil {
			inputs[key] = num
		} else {
			inputs[key] = value
		}
	}
	return inputs, nil
}

func runCalcCommand(cmd *cobra.Command, args []string) error {
	inputs, err := parseInputArgs(args[1:])
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"calculator_id": args[0],
		"inputs":        inputs,
		"priority":      calcPriority,
	})
	if err != nil {
		return err
	}

	resp, err := httpClient.Post(baseURL()+"/v1/calculate", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("service unreachable: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("calculation failed (%s): %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if jsonOutput {
		fmt.Println(string(body))
		return nil
	}

	var result struct {
		Outputs map[string]any `json:"outputs"`
		Source  string         `json:"source"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return err
	}
	fmt.Printf("source: %s (X-Cache: %s)\n", result.Source, resp.Header.Get("X-Cache"))
	for key, value := range result.Outputs {
		fmt.Printf("  %s: %v\n", key, value)
	}
	return nil
}

func runCalculatorsCommand(cmd *cobra.Command, args []string) error {
	parsed, body, err := getJSON("/v1/calculators")
	if err != nil {
		return err
	}
	if jsonOutput {
		fmt.Println(string(body))
		return nil
	}
	if ids, ok := parsed["calculators"].([]any); ok {
		for _, id := range ids {
			fmt.Println(id)
		}
	}
	return nil
}

func runHealthCommand(cmd *cobra.Command, args []string) error {
	parsed, body, err := getJSON("/health")
	if err != nil {
		return err
	}
	if jsonOutput {
		fmt.Println(string(body))
		return nil
	}
	fmt.Printf("status: %v (uptime %vs)\n", parsed["status"], parsed["uptime_seconds"])
	return nil
}

func runStatsCommand(cmd *cobra.Command, args []string) error {
	kind := args[0]
	switch kind {
	case "cache", "workers", "debounce", "behavior":
	default:
		return fmt.Errorf("unknown stats kind %q (want cache, workers, debounce, or behavior)", kind)
	}

	resp, err := httpClient.Get(baseURL() + "/v1/stats/" + kind)
	if err != nil {
		return fmt.Errorf("service unreachable: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if jsonOutput {
		fmt.Println(string(body))
		return nil
	}

	// Pretty-print for human eyes.
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
