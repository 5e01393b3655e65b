package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := GateDenied("blackout_active")
	wrapped := fmt.Errorf("dispatch: %w", base)

	assert.Equal(t, KindGateDenied, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindGateDenied))
	assert.Equal(t, "gate_denied: blackout_active", base.Message())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(stderrors.New("boom")))
	assert.Equal(t, CodeServerError, HTTPCode(stderrors.New("boom")))
}

func TestWrapUnwrap(t *testing.T) {
	cause := stderrors.New("expected exactly 5 fields")
	err := SchedulingError("invalid cron expression", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeInvalidParam, HTTPCode(err))
	assert.Contains(t, err.Error(), "scheduling_error: invalid cron expression")
}

func TestHTTPCodeMapping(t *testing.T) {
	assert.Equal(t, CodeNotFound, HTTPCode(NotFound("runbook")))
	assert.Equal(t, CodeConflict, HTTPCode(InvalidState("already terminal")))
	assert.Equal(t, CodeForbidden, HTTPCode(GateDenied("not_allowlisted")))
}
