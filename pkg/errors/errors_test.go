package errors_test

import (
	"errors"
	"fmt"
	"testing"

	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestAppError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same sentinel", apperrors.ErrRoomFull, apperrors.ErrRoomFull, true},
		{"details keep code", apperrors.ErrRoomFull.WithDetails("room 42"), apperrors.ErrRoomFull, true},
		{"wrapped by fmt", fmt.Errorf("join: %w", apperrors.ErrAuthFailed), apperrors.ErrAuthFailed, true},
		{"different code", apperrors.ErrRoomFull, apperrors.ErrAuthFailed, false},
		{"plain error", errors.New("boom"), apperrors.ErrRoomFull, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestAppError_WithDetailsDoesNotMutateSentinel(t *testing.T) {
	_ = apperrors.ErrUnknownClient.WithDetails("client 7")
	assert.Empty(t, apperrors.ErrUnknownClient.Details)
}

func TestAppError_ErrorString(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := apperrors.ErrBackendUnavailable.WithDetails("redis").WithCause(cause)

	assert.Equal(t, "[BACKEND_UNAVAILABLE] directory backend unavailable (redis): dial tcp: refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestPredicates(t *testing.T) {
	assert.True(t, apperrors.IsRoomFull(fmt.Errorf("x: %w", apperrors.ErrRoomFull)))
	assert.True(t, apperrors.IsBackendUnavailable(apperrors.Wrap(errors.New("x"), apperrors.ErrCodeBackendUnavailable, "publish")))
	assert.False(t, apperrors.IsProtocolError(nil))
	assert.True(t, apperrors.IsSlowConsumer(apperrors.ErrSlowConsumer.WithDetails("queue 256")))
	assert.Equal(t, "", apperrors.CodeOf(errors.New("plain")))
	assert.Equal(t, apperrors.ErrCodeEmpty, apperrors.CodeOf(apperrors.ErrEmpty))
}
