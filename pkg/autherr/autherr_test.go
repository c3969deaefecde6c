package autherr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantKind      Kind
		wantRetryable bool
	}{
		{
			name:          "passes through an already classified error",
			err:           New(KindAccessDenied, "nope"),
			wantKind:      KindAccessDenied,
			wantRetryable: false,
		},
		{
			name:          "passes through a wrapped classified error",
			err:           fmt.Errorf("login: %w", New(KindTokenExpired, "old")),
			wantKind:      KindTokenExpired,
			wantRetryable: true,
		},
		{
			name:          "deadline exceeded is a network error",
			err:           context.DeadlineExceeded,
			wantKind:      KindNetworkError,
			wantRetryable: true,
		},
		{
			name:          "dns failure is a network error",
			err:           &net.DNSError{Err: "no such host", Name: "idp.example.com"},
			wantKind:      KindNetworkError,
			wantRetryable: true,
		},
		{
			name:          "connection keyword is a network error",
			err:           errors.New("connection refused by peer"),
			wantKind:      KindNetworkError,
			wantRetryable: true,
		},
		{
			name:          "fetch keyword is a network error",
			err:           errors.New("failed to fetch resource"),
			wantKind:      KindNetworkError,
			wantRetryable: true,
		},
		{
			name:          "token expired message",
			err:           errors.New("the id token has expired"),
			wantKind:      KindTokenExpired,
			wantRetryable: true,
		},
		{
			name:          "access denied message",
			err:           errors.New("access was denied by policy"),
			wantKind:      KindAccessDenied,
			wantRetryable: false,
		},
		{
			name:          "config message",
			err:           errors.New("bad config value"),
			wantKind:      KindConfigError,
			wantRetryable: false,
		},
		{
			name:          "client_id message",
			err:           errors.New("missing client_id"),
			wantKind:      KindConfigError,
			wantRetryable: false,
		},
		{
			name:          "anything else is a retryable oauth failure",
			err:           errors.New("something odd happened"),
			wantKind:      KindOAuthFailed,
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := Classify(tt.err)
			require.NotNil(t, classified)
			assert.Equal(t, tt.wantKind, classified.Kind)
			assert.Equal(t, tt.wantRetryable, classified.Retryable)
			assert.NotEmpty(t, classified.Message)
		})
	}
}

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Nil(t, ClassifyValue(nil))
}

func TestClassifyValue(t *testing.T) {
	classified := ClassifyValue("boom")
	require.NotNil(t, classified)
	assert.Equal(t, KindOAuthFailed, classified.Kind)
	assert.Equal(t, "boom", classified.Message)
	assert.True(t, classified.Retryable)

	classified = ClassifyValue(errors.New("connection reset"))
	require.NotNil(t, classified)
	assert.Equal(t, KindNetworkError, classified.Kind)
}

func TestSeverityAndRetryableAreStable(t *testing.T) {
	want := map[Kind]Severity{
		KindOAuthFailed:  SeverityLow,
		KindAccessDenied: SeverityHigh,
		KindNetworkError: SeverityMedium,
		KindTokenExpired: SeverityMedium,
		KindConfigError:  SeverityCritical,
	}
	wantRetryable := map[Kind]bool{
		KindOAuthFailed:  true,
		KindAccessDenied: false,
		KindNetworkError: true,
		KindTokenExpired: true,
		KindConfigError:  false,
	}

	// Pure lookups: repeated calls must agree.
	for i := 0; i < 3; i++ {
		for kind, severity := range want {
			assert.Equal(t, severity, kind.Severity(), "severity of %s", kind)
			assert.Equal(t, wantRetryable[kind], kind.Retryable(), "retryability of %s", kind)
		}
	}
}

func TestTransientOverridesKindDefault(t *testing.T) {
	err := New(KindConfigError, "policy fetch failed").Transient()
	assert.Equal(t, KindConfigError, err.Kind)
	assert.True(t, err.Retryable)

	// The kind-level default is unaffected.
	assert.False(t, KindConfigError.Retryable())
}

func TestErrorString(t *testing.T) {
	err := New(KindAccessDenied, "b@x.com is not on the allowlist")
	assert.Equal(t, "AccessDenied: b@x.com is not on the allowlist", err.Error())
}
