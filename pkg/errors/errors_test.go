package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := New(ErrCodeCannotConsume, "Cannot Consume")
	assert.Equal(t, "CANNOT_CONSUME: Cannot Consume", err.Error())

	wrapped := WrapCode(errors.New("dtls fingerprint mismatch"), ErrCodeHandshakeFailed, "connect failed")
	assert.Equal(t, "HANDSHAKE_FAILED: connect failed (dtls fingerprint mismatch)", wrapped.Error())
	assert.EqualError(t, errors.Unwrap(wrapped), "dtls fingerprint mismatch")
}

func TestErrorCode_Status(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrCodeInvalidInput:          http.StatusBadRequest,
		ErrCodeCannotConsume:         http.StatusConflict,
		ErrCodeTransportSetupFailure: http.StatusBadGateway,
		ErrCodeSessionClosed:         http.StatusGone,
		ErrCodeInternal:              http.StatusInternalServerError,
		ErrorCode("SOMETHING_ELSE"):  http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, code.Status(), code)
	}
	assert.Equal(t, http.StatusNotFound, NewNotFoundError("session").HTTPStatus)
}

func TestAppError_IsMatchesByCode(t *testing.T) {
	sentinel := New(ErrCodeTransportNotFound, "transport not found")
	wrapped := fmt.Errorf("produce: %w", sentinel.Wrap(errors.New("no send transport")))

	assert.ErrorIs(t, wrapped, sentinel)
	assert.NotErrorIs(t, wrapped, New(ErrCodeProtocolViolation, "protocol violation"))
}

func TestAppError_CopiesLeaveSentinelUntouched(t *testing.T) {
	sentinel := New(ErrCodeTransportSetupFailure, "transport setup failed")

	copied := sentinel.Wrap(errors.New("engine timeout")).WithDetail("transport_id", "t1")
	renamed := sentinel.Withf("transport %s: %s", "t1", "timeout")

	assert.Nil(t, sentinel.Cause)
	assert.Empty(t, sentinel.Details)
	assert.Equal(t, "transport setup failed", sentinel.Message)

	assert.Equal(t, "t1", copied.Details["transport_id"])
	assert.Equal(t, "transport t1: timeout", renamed.Message)
	assert.ErrorIs(t, renamed, sentinel)
}

func TestAppError_WithDetailDoesNotShareMaps(t *testing.T) {
	a := New(ErrCodeInvalidInput, "bad params").WithDetail("field", "kind")
	b := a.WithDetail("count", 42)

	assert.Len(t, a.Details, 1)
	assert.Len(t, b.Details, 2)
}

func TestGetAppError(t *testing.T) {
	appErr := NewInvalidInputError("test")

	assert.Same(t, appErr, GetAppError(appErr))
	assert.Same(t, appErr, GetAppError(fmt.Errorf("outer: %w", appErr)))
	assert.Nil(t, GetAppError(errors.New("regular error")))
	assert.Nil(t, GetAppError(nil))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeRateLimit, CodeOf(NewRateLimitError()))
	assert.Equal(t, ErrCodeInternal, CodeOf(errors.New("boom")))

	unavailable := NewServiceUnavailableError("store down")
	require.Equal(t, http.StatusServiceUnavailable, unavailable.HTTPStatus)
	assert.Equal(t, ErrCodeServiceUnavailable, CodeOf(fmt.Errorf("x: %w", unavailable)))
}
