// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the calculator registry

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/zinsrechner/services/calcengine/datatypes"
)

func echoCalc(inputs datatypes.Inputs) (datatypes.Outputs, error) {
	return datatypes.Outputs{"echo": len(inputs)}, nil
}

// =============================================================================
// Register / Load Tests
// =============================================================================

func TestRegisterAndLoad(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("echo", Func(echoCalc)))

	calc, err := reg.Load("echo")
	require.NoError(t, err)

	out, err := calc.Calculate(datatypes.Inputs{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, out["echo"])
}

func TestRegister_EmptyID(t *testing.T) {
	reg := New()
	assert.Error(t, reg.Register("", Func(echoCalc)))
}

func TestRegister_NilCalculator(t *testing.T) {
	reg := New()
	assert.Error(t, reg.Register("echo", nil))
}

func TestRegister_LastWins(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("calc", Func(func(datatypes.Inputs) (datatypes.Outputs, error) {
		return datatypes.Outputs{"version": 1}, nil
	})))
	require.NoError(t, reg.Register("calc", Func(func(datatypes.Inputs) (datatypes.Outputs, error) {
		return datatypes.Outputs{"version": 2}, nil
	})))

	calc, err := reg.Load("calc")
	require.NoError(t, err)
	out, err := calc.Calculate(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out["version"])
}

func TestLoad_UnknownID(t *testing.T) {
	reg := New()
	_, err := reg.Load("does-not-exist")
	assert.ErrorIs(t, err, datatypes.ErrUnknownCalculator)
	assert.Contains(t, err.Error(), "does-not-exist")
}

func TestHasAndIDs(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("zeta", Func(echoCalc)))
	require.NoError(t, reg.Register("alpha", Func(echoCalc)))

	assert.True(t, reg.Has("alpha"))
	assert.False(t, reg.Has("beta"))
	assert.Equal(t, []string{"alpha", "zeta"}, reg.IDs())
}
