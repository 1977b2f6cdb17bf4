package assert

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssertPassesOnTrue(t *testing.T) {
	require.NotPanics(t, func() { Assert(true, "never shown %d", 1) })
	require.NotPanics(t, func() { NoError(nil) })
}

func TestAssertMessageContainsCaller(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)

		msg, ok := r.(string)
		require.True(t, ok)
		require.Contains(t, msg, "pin count is -1")
		require.Contains(t, msg, "assert_test.go")
	}()

	Assert(false, "pin count is %d", -1)
}

func TestNoErrorPanics(t *testing.T) {
	require.Panics(t, func() { NoError(errors.New("boom")) })
}

func TestCast(t *testing.T) {
	var v any = uint64(3)
	require.Equal(t, uint64(3), Cast[uint64](v))
	require.Panics(t, func() { Cast[string](v) })
}
