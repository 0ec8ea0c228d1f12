package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_FollowsWrapChain(t *testing.T) {
	base := errors.New("connection reset")
	err := fmt.Errorf("read frame: %w", Wrap(CodeTransport, base, "socket read failed"))

	assert.True(t, Is(err, CodeTransport))
	assert.False(t, Is(err, CodeAPI))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, CodeTransport, CodeOf(err))
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "LOCK_CONTENTION: broadcast already running", New(CodeLockContention, "broadcast already running").Error())
	assert.Equal(t, "API: send failed: boom", Wrap(CodeAPI, errors.New("boom"), "send failed").Error())
	assert.Equal(t, "CONFIGURATION: job 3 has no message", Newf(CodeConfiguration, "job %d has no message", 3).Error())
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.False(t, Is(nil, CodeHostInvalidated))
}
