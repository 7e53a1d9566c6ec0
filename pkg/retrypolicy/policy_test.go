package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintline/mintline/pkg/costgov"
)

// newFastPolicy returns a policy that records sleeps instead of taking them.
func newFastPolicy(t *testing.T) (*Policy, *[]time.Duration) {
	t.Helper()
	p := New()
	var sleeps []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return p, &sleeps
}

func TestExecute_TransientThenSuccess(t *testing.T) {
	for _, remote := range []Remote{RemoteLLM, RemoteForum, RemoteStorefront} {
		t.Run(string(remote), func(t *testing.T) {
			p, _ := newFastPolicy(t)
			attempts := 0
			err := p.Execute(context.Background(), remote, func(context.Context) error {
				attempts++
				if attempts < 2 {
					return &StatusError{Remote: string(remote), StatusCode: http.StatusServiceUnavailable}
				}
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 2, attempts)
		})
	}
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	tests := []struct {
		remote      Remote
		maxAttempts int
	}{
		{RemoteLLM, 4},
		{RemoteForum, 3},
		{RemoteStorefront, 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.remote), func(t *testing.T) {
			p, sleeps := newFastPolicy(t)
			attempts := 0
			wantErr := &StatusError{Remote: string(tt.remote), StatusCode: http.StatusTooManyRequests}
			err := p.Execute(context.Background(), tt.remote, func(context.Context) error {
				attempts++
				return wantErr
			})
			// Exactly maxAttempts calls, last error unchanged.
			assert.Equal(t, tt.maxAttempts, attempts)
			assert.Equal(t, wantErr, err)
			assert.Len(t, *sleeps, tt.maxAttempts-1)
		})
	}
}

func TestExecute_TerminalSingleCall(t *testing.T) {
	for _, code := range []int{400, 401, 403, 404, 422} {
		t.Run(fmt.Sprintf("status %d", code), func(t *testing.T) {
			p, _ := newFastPolicy(t)
			attempts := 0
			err := p.Execute(context.Background(), RemoteLLM, func(context.Context) error {
				attempts++
				return &StatusError{Remote: "llm", StatusCode: code}
			})
			require.Error(t, err)
			assert.Equal(t, 1, attempts)
		})
	}
}

func TestExecute_BackoffShape(t *testing.T) {
	p, sleeps := newFastPolicy(t)
	_ = p.Execute(context.Background(), RemoteLLM, func(context.Context) error {
		return &StatusError{Remote: "llm", StatusCode: 500}
	})

	require.Len(t, *sleeps, 3)
	// Base 2s doubling, each with up to 1s of jitter.
	expected := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, base := range expected {
		assert.GreaterOrEqual(t, (*sleeps)[i], base)
		assert.Less(t, (*sleeps)[i], base+maxJitter)
	}
}

func TestExecute_NeverRetriesCostLimit(t *testing.T) {
	p, _ := newFastPolicy(t)
	attempts := 0
	costErr := &costgov.CostLimitError{Which: "per_run_usd", Actual: 3, Limit: 2}
	err := p.Execute(context.Background(), RemoteLLM, func(context.Context) error {
		attempts++
		return costErr
	})
	assert.Equal(t, 1, attempts)
	var got *costgov.CostLimitError
	assert.ErrorAs(t, err, &got)
}

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"http 429", &StatusError{StatusCode: 429}, true},
		{"http 500", &StatusError{StatusCode: 500}, true},
		{"http 502", &StatusError{StatusCode: 502}, true},
		{"http 503", &StatusError{StatusCode: 503}, true},
		{"http 504", &StatusError{StatusCode: 504}, true},
		{"http 400", &StatusError{StatusCode: 400}, false},
		{"http 401", &StatusError{StatusCode: 401}, false},
		{"http 403", &StatusError{StatusCode: 403}, false},
		{"http 404", &StatusError{StatusCode: 404}, false},
		{"http 422", &StatusError{StatusCode: 422}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"schema", &SchemaError{Err: errors.New("missing field")}, false},
		{"cost limit", &costgov.CostLimitError{Which: "per_run_tokens"}, false},
		{"unknown", errors.New("weird failure"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transient(tt.err))
		})
	}
}

func TestExecute_SleepCancellation(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Execute(ctx, RemoteForum, func(context.Context) error {
		return &StatusError{StatusCode: 503}
	})
	assert.ErrorIs(t, err, context.Canceled)
}
