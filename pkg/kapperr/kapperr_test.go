package kapperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesByKindOnly(t *testing.T) {
	a := Validation("content must not be empty")
	b := Validation("priority out of range")

	require.True(t, errors.Is(a, b))
	require.False(t, errors.Is(a, New(KindTimeout, "")))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := StorageFault("insert asset", cause)

	require.ErrorIs(t, err, cause)
}

func TestKindOfExtractsKind(t *testing.T) {
	kind, ok := KindOf(NoWalletAvailable())
	require.True(t, ok)
	require.Equal(t, KindNoWalletAvailable, kind)

	_, ok = KindOf(errors.New("plain error"))
	require.False(t, ok)
}

func TestRetryableClassifiesByKind(t *testing.T) {
	require.False(t, Retryable(Validation("bad input")))
	require.False(t, Retryable(InvalidTransition("already published")))
	require.False(t, Retryable(Fatal("configuration error", nil)))

	require.True(t, Retryable(StorageFault("timeout", nil)))
	require.True(t, Retryable(NoWalletAvailable()))
	require.True(t, Retryable(DkgAPI("500 from node", nil)))
	require.True(t, Retryable(MissingUAL("empty ual")))
	require.True(t, Retryable(Timeout("context deadline exceeded", nil)))
}

func TestRetryableDefaultsToTrueForUnknownErrors(t *testing.T) {
	require.True(t, Retryable(errors.New("some unrelated error")))
}
