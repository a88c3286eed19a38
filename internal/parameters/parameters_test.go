package parameters

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFromConfigString(t *testing.T) {
	params := NewFromConfigString("length_cost=0.01,eos=0,verbose")
	require.Len(t, params, 3)
	require.Equal(t, "0.01", params["length_cost"])
	require.Equal(t, "", params["verbose"])

	require.Empty(t, NewFromConfigString(""))
}

func TestGetParamOr(t *testing.T) {
	params := NewFromConfigString("lr=0.5,steps=100,debug,name=adam")

	lr, err := GetParamOr(params, "lr", 0.001)
	require.NoError(t, err)
	require.Equal(t, 0.5, lr)

	steps, err := GetParamOr(params, "steps", 10)
	require.NoError(t, err)
	require.Equal(t, 100, steps)

	// Key present without value: true for bools.
	debug, err := GetParamOr(params, "debug", false)
	require.NoError(t, err)
	require.True(t, debug)

	name, err := GetParamOr(params, "name", "sgd")
	require.NoError(t, err)
	require.Equal(t, "adam", name)

	// Absent keys fall back to the default.
	missing, err := GetParamOr(params, "missing", 7)
	require.NoError(t, err)
	require.Equal(t, 7, missing)

	// Unparseable values are errors, not silent defaults.
	_, err = GetParamOr(params, "name", 3)
	require.Error(t, err)
}

func TestPopParamOr(t *testing.T) {
	params := NewFromConfigString("lr=0.5,steps=100")
	lr, err := PopParamOr(params, "lr", float32(0.001))
	require.NoError(t, err)
	require.Equal(t, float32(0.5), lr)
	require.NotContains(t, params, "lr")
	require.Len(t, params, 1)

	// Popping an absent key leaves the map alone.
	_, err = PopParamOr(params, "lr", float32(0.001))
	require.NoError(t, err)
	require.Len(t, params, 1)
}
