package certerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "validation with field",
			err:  &ValidationError{Field: "domain", Reason: "must contain a dot"},
			want: "validation failed: domain: must contain a dot",
		},
		{
			name: "limit exceeded",
			err:  &LimitExceededError{CurrentCount: 5, Limit: 5},
			want: "certificate limit exceeded: 5 of 5 in use",
		},
		{
			name: "provider unavailable",
			err:  &ProviderUnavailableError{Provider: "acme", Err: errors.New("dial tcp: refused")},
			want: "provider acme unavailable: dial tcp: refused",
		},
		{
			name: "invalid state",
			err:  &InvalidStateError{Current: "revoked", Operation: "revoke"},
			want: "cannot revoke: current state is revoked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestIsRetryable(t *testing.T) {
	wrapped := fmt.Errorf("poll: %w", &TimeoutError{Operation: "status"})

	assert.True(t, IsRetryable(wrapped))
	assert.True(t, IsRetryable(&ProviderUnavailableError{Provider: "x"}))
	assert.True(t, IsRetryable(&NoProviderAvailableError{}))
	assert.False(t, IsRetryable(&ProviderRequestError{Provider: "x", Err: errors.New("bad domain")}))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(&ProviderRequestError{Provider: "x", Err: errors.New("bad")}))
	assert.True(t, IsTerminal(fmt.Errorf("download: %w", &InvalidStateError{Current: "pending", Operation: "download"})))
	assert.True(t, IsTerminal(&NotFoundError{Resource: "order", ID: "1"}))
	assert.False(t, IsTerminal(&ProviderUnavailableError{Provider: "x"}))
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := &ProviderUnavailableError{Provider: "reseller", Err: cause}
	assert.ErrorIs(t, err, cause)
}
