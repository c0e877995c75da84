// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for cache key derivation

package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/zinsrechner/services/calcengine/datatypes"
)

func TestCacheKey_Deterministic(t *testing.T) {
	in := datatypes.Inputs{"principal": 10000, "annual_rate": 5, "years": 10}.Normalize()
	assert.Equal(t, CacheKey("compound-interest", in), CacheKey("compound-interest", in))
	assert.Len(t, CacheKey("compound-interest", in), 64, "hex-encoded SHA-256")
}

// Key order and numeric encoding must not matter; semantically identical
// requests hit the same cache slot.
func TestCacheKey_InputOrderIndependent(t *testing.T) {
	a := datatypes.Inputs{"principal": 10000, "annual_rate": 5.0, "years": 10}.Normalize()
	b := datatypes.Inputs{"years": json.Number("10"), "principal": json.Number("10000"), "annual_rate": 5}.Normalize()
	assert.Equal(t, CacheKey("compound-interest", a), CacheKey("compound-interest", b))
}

func TestCacheKey_SensitiveToCalculatorID(t *testing.T) {
	in := datatypes.Inputs{"principal": 1000.0}.Normalize()
	assert.NotEqual(t, CacheKey("compound-interest", in), CacheKey("savings-plan", in))
}

func TestCacheKey_SensitiveToValues(t *testing.T) {
	a := datatypes.Inputs{"principal": 1000.0}.Normalize()
	b := datatypes.Inputs{"principal": 1001.0}.Normalize()
	assert.NotEqual(t, CacheKey("c", a), CacheKey("c", b))
}

// Field names and values must not smear into each other: {"a": "b=c"}
// and {"a=b": "c"} are different requests.
func TestCacheKey_NoFieldValueAmbiguity(t *testing.T) {
	a := CacheKey("c", map[string]any{"a": "b=c"})
	b := CacheKey("c", map[string]any{"a=b": "c"})
	assert.NotEqual(t, a, b)
}

func TestCacheKey_EmptyInputs(t *testing.T) {
	assert.NotEqual(t, CacheKey("a", nil), CacheKey("b", nil))
	assert.Equal(t, CacheKey("a", nil), CacheKey("a", map[string]any{}))
}
