package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindRateLimited, Provider: "fmp", Ticker: "AAPL", StatusCode: 429, Err: errors.New("limit reached")}
	assert.Equal(t, "fmp rate_limited for AAPL (HTTP 429): limit reached", err.Error())

	bare := &Error{Kind: KindMalformed, Provider: "fmp"}
	assert.Equal(t, "fmp malformed", bare.Error())
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("fetch failed: %w", &Error{Kind: KindNotFound, Provider: "fmp"})

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("get: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindUnknown, KindOf(errors.New("eof")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		kind      ErrorKind
		transient bool
	}{
		{KindTimeout, true},
		{KindRateLimited, true},
		{KindServer, true},
		{KindNotFound, false},
		{KindMalformed, false},
		{KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &Error{Kind: tt.kind, Provider: "fmp"})
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}

	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(errors.New("boom")))
}
