// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// CacheKey derives the deterministic result cache key for a request.
//
// The key is a SHA-256 over the calculator id and the normalized inputs
// serialized with sorted keys, so semantically identical requests
// collide regardless of input order or numeric encoding.
func CacheKey(calculatorID string, normalized map[string]any) string {
	h := sha256.New()
	h.Write([]byte(calculatorID))
	h.Write([]byte{0})

	keys := make([]string, 0, len(normalized))
	for k := range normalized {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		// json.Marshal gives a canonical rendering for the normalized
		// value set (float64, string, bool, nil).
		if b, err := json.Marshal(normalized[k]); err == nil {
			h.Write(b)
		} else {
			fmt.Fprintf(h, "%v", normalized[k])
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
