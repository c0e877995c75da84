// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/zinsrechner/services/calcengine/datatypes"
)

// validate is shared by the built-in calculators. The struct-tag rules
// mirror the published input limits of the calculators.
var validate = validator.New()

// compoundInterestInput is the typed input schema for the
// compound-interest and savings-plan calculators.
type compoundInterestInput struct {
	Principal         float64 `validate:"gte=1,lte=10000000"`
	MonthlyPayment    float64 `validate:"gte=0,lte=50000"`
	AnnualRate        float64 `validate:"gte=0,lte=20"`
	Years             int     `validate:"gte=1,lte=50"`
	CompoundFrequency string  `validate:"oneof=monthly quarterly yearly"`
}

// RegisterBuiltins installs the stock calculators into reg.
//
// The pipeline itself is formula-agnostic; these entries exist so the
// service is usable out of the box and so integration tests have real
// functions to drive.
func RegisterBuiltins(reg *Registry) error {
	builtins := map[string]Calculator{
		"compound-interest": Func(calculateCompoundInterest),
		"savings-plan":      Func(calculateSavingsPlan),
	}
	for id, calc := range builtins {
		if err := reg.Register(id, calc); err != nil {
			return err
		}
	}
	return nil
}

// parseCompoundInput decodes and validates the shared input schema.
func parseCompoundInput(inputs datatypes.Inputs) (compoundInterestInput, error) {
	in := compoundInterestInput{
		MonthlyPayment:    0,
		CompoundFrequency: "monthly",
	}

	var err error
	if in.Principal, err = floatField(inputs, "principal", true); err != nil {
		return in, err
	}
	if v, ok := inputs["monthly_payment"]; ok {
		if in.MonthlyPayment, err = toFloat(v, "monthly_payment"); err != nil {
			return in, err
		}
	}
	if in.AnnualRate, err = floatField(inputs, "annual_rate", true); err != nil {
		return in, err
	}
	years, err := floatField(inputs, "years", true)
	if err != nil {
		return in, err
	}
	if years != math.Trunc(years) {
		return in, &datatypes.ValidationError{Field: "years", Message: "must be a whole number"}
	}
	in.Years = int(years)
	if v, ok := inputs["compound_frequency"]; ok {
		s, sok := v.(string)
		if !sok {
			return in, &datatypes.ValidationError{Field: "compound_frequency", Message: "must be a string"}
		}
		in.CompoundFrequency = s
	}

	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return in, &datatypes.ValidationError{
				Field:   fieldName(fe.StructField()),
				Message: fmt.Sprintf("failed %s=%s constraint", fe.Tag(), fe.Param()),
			}
		}
		return in, &datatypes.ValidationError{Field: "inputs", Message: err.Error()}
	}
	return in, nil
}

// fieldName maps struct fields back to wire names.
func fieldName(structField string) string {
	switch structField {
	case "Principal":
		return "principal"
	case "MonthlyPayment":
		return "monthly_payment"
	case "AnnualRate":
		return "annual_rate"
	case "Years":
		return "years"
	case "CompoundFrequency":
		return "compound_frequency"
	default:
		return structField
	}
}

func floatField(inputs datatypes.Inputs, field string, required bool) (float64, error) {
	v, ok := inputs[field]
	if !ok {
		if required {
			return 0, &datatypes.ValidationError{Field: field, Message: "required"}
		}
		return 0, nil
	}
	return toFloat(v, field)
}

func toFloat(v any, field string) (float64, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, &datatypes.ValidationError{Field: field, Message: "must be a number"}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &datatypes.ValidationError{Field: field, Message: "must be finite"}
	}
	return f, nil
}

func compoundPeriods(frequency string) int {
	switch frequency {
	case "quarterly":
		return 4
	case "yearly":
		return 1
	default:
		return 12
	}
}

// calculateCompoundInterest computes growth of a principal with optional
// monthly contributions.
//
// Principal grows by A = P(1 + r/n)^(nt); contributions grow by the
// future-value-of-annuity formula PMT * [((1 + r/12)^(12t) - 1) / (r/12)].
func calculateCompoundInterest(inputs datatypes.Inputs) (datatypes.Outputs, error) {
	in, err := parseCompoundInput(inputs)
	if err != nil {
		return nil, err
	}

	rate := in.AnnualRate / 100
	periods := compoundPeriods(in.CompoundFrequency)

	principalFinal := compoundPrincipal(in.Principal, rate, periods, in.Years)

	var paymentsFinal float64
	totalMonths := float64(in.Years * 12)
	if in.MonthlyPayment > 0 {
		monthlyRate := rate / 12
		if monthlyRate == 0 {
			paymentsFinal = in.MonthlyPayment * totalMonths
		} else {
			factor := math.Pow(1+monthlyRate, totalMonths)
			paymentsFinal = in.MonthlyPayment * ((factor - 1) / monthlyRate)
		}
	}

	finalAmount := principalFinal + paymentsFinal
	totalContributions := in.Principal + in.MonthlyPayment*totalMonths
	totalInterest := finalAmount - totalContributions

	return datatypes.Outputs{
		"final_amount":        round2(finalAmount),
		"total_contributions": round2(totalContributions),
		"total_interest":      round2(totalInterest),
		"annual_return":       round2(annualReturn(totalContributions, finalAmount, in.Years)),
	}, nil
}

// calculateSavingsPlan is the contribution-centric variant: it reports
// the monthly breakdown targets for a savings goal alongside the final
// amount.
func calculateSavingsPlan(inputs datatypes.Inputs) (datatypes.Outputs, error) {
	out, err := calculateCompoundInterest(inputs)
	if err != nil {
		return nil, err
	}
	in, err := parseCompoundInput(inputs)
	if err != nil {
		return nil, err
	}

	finalAmount, _ := out["final_amount"].(float64)
	out["monthly_contribution"] = round2(in.MonthlyPayment)
	out["savings_months"] = float64(in.Years * 12)
	if in.Years > 0 {
		out["average_growth_per_year"] = round2((finalAmount - in.Principal) / float64(in.Years))
	}
	return out, nil
}

func compoundPrincipal(principal, rate float64, periodsPerYear, years int) float64 {
	if rate == 0 {
		return principal
	}
	periodRate := rate / float64(periodsPerYear)
	totalPeriods := float64(periodsPerYear * years)
	return principal * math.Pow(1+periodRate, totalPeriods)
}

// annualReturn computes CAGR as a percentage.
func annualReturn(totalContributions, finalAmount float64, years int) float64 {
	if totalContributions <= 0 || years <= 0 {
		return 0
	}
	return (math.Pow(finalAmount/totalContributions, 1/float64(years)) - 1) * 100
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
