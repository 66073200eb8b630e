package netguard

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"agrimater/pkg/utils"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"500", &HTTPError{StatusCode: 500}, true},
		{"502 wrapped", fmt.Errorf("upstream: %w", &HTTPError{StatusCode: 502}), true},
		{"429", &HTTPError{StatusCode: 429}, true},
		{"401", &HTTPError{StatusCode: 401}, false},
		{"404", &HTTPError{StatusCode: 404}, false},
		{"budget", &AdmissionError{Reason: ReasonBudgetExhausted}, false},
		{"concurrency", &AdmissionError{Reason: ReasonConcurrencyLimit}, false},
		{"cancelled", fmt.Errorf("%w: key", ErrCancelled), false},
		{"timeout", fmt.Errorf("%w after 30s", ErrTimeout), true},
		{"caller cancelled", context.Canceled, false},
		{"caller deadline", context.DeadlineExceeded, false},
		{"invalid", ErrInvalidRequest, false},
		{"transport", errors.New("connection reset by peer"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestHTTPErrorMessage(t *testing.T) {
	assert.Equal(t, "HTTP 503 Service Unavailable", (&HTTPError{StatusCode: 503}).Error())
	assert.Equal(t, "HTTP 418 teapot", (&HTTPError{StatusCode: 418, Status: "418 teapot"}).Error())
}

func TestAdmissionErrorUnwrap(t *testing.T) {
	err := &AdmissionError{Reason: ReasonBudgetExhausted, Key: "GET:u:"}
	assert.ErrorIs(t, err, ErrAdmissionRejected)
	assert.Contains(t, err.Error(), ReasonBudgetExhausted)
}

func TestConfigFromFile(t *testing.T) {
	zero := 0
	off := false
	cfg := ConfigFromFile(utils.NetworkSection{
		MaxRetries:    &zero,
		MaxConcurrent: 3,
		Timeout:       5 * time.Second,
		EnableDedupe:  &off,
	})

	def := DefaultConfig()
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 3, cfg.MaxConcurrent)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.False(t, cfg.EnableDedupe)
	assert.Equal(t, def.RequestBudget, cfg.RequestBudget)
	assert.Equal(t, def.BudgetWindow, cfg.BudgetWindow)
	assert.Equal(t, def.BaseDelay, cfg.BaseDelay)
}

func TestNewNormalizesConfig(t *testing.T) {
	g := New(Config{MaxRetries: -1})
	cfg := g.Config()
	def := DefaultConfig()
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, def.MaxConcurrent, cfg.MaxConcurrent)
	assert.Equal(t, def.RequestBudget, cfg.RequestBudget)
	assert.Equal(t, def.Timeout, cfg.Timeout)
	assert.Equal(t, def.DedupeWindow, cfg.DedupeWindow)
}
