package product

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase host and scheme", "HTTPS://Shop.Example.COM/p/1", "https://shop.example.com/p/1"},
		{"drop default port", "http://example.com:80/a", "http://example.com/a"},
		{"drop fragment", "https://example.com/a#reviews", "https://example.com/a"},
		{"sort query", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"root path", "https://example.com", "https://example.com/"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeURLRejectsUnsupported(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"ftp://example.com/x", "not a url", "https://"} {
		_, err := NormalizeURL(in)
		require.ErrorIs(t, err, ErrInvalidURL, in)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	code, stage := Classify(fmt.Errorf("wrapped: %w", NewPipelineError(FailurePoolExhausted, StageCapture, errors.New("busy"))))
	require.Equal(t, FailurePoolExhausted, code)
	require.Equal(t, StageCapture, stage)

	code, _ = Classify(fmt.Errorf("abort: %w", ErrCancelled))
	require.Equal(t, FailureCancelled, code)

	code, _ = Classify(context.DeadlineExceeded)
	require.Equal(t, FailureNavigationTimeout, code)

	code, _ = Classify(errors.New("boom"))
	require.Equal(t, FailureUnknown, code)
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, time.Second, 2, BackoffLinear, 0)
	require.True(t, p.ShouldRetry(FailureNavigationTimeout, 1))
	require.True(t, p.ShouldRetry(FailurePoolExhausted, 2))
	require.False(t, p.ShouldRetry(FailureNavigationTimeout, 3))
	require.False(t, p.ShouldRetry(FailureCancelled, 1))
	require.False(t, p.ShouldRetry(FailureExtraction, 1))
	require.True(t, p.ShouldRetry(FailureUnknown, 1))
	require.False(t, p.ShouldRetry(FailureUnknown, 2))
}

func TestRetryPolicyBackoffNonDecreasing(t *testing.T) {
	t.Parallel()

	for _, strategy := range []string{BackoffLinear, BackoffExponential} {
		p := NewRetryPolicy(10, 100*time.Millisecond, 2, strategy, 3*time.Second)
		prev := time.Duration(0)
		for attempt := 1; attempt <= 10; attempt++ {
			d := p.Backoff(attempt)
			require.GreaterOrEqual(t, d, prev, "%s attempt %d", strategy, attempt)
			require.LessOrEqual(t, d, 3*time.Second)
			prev = d
		}
	}
	require.Equal(t, 300*time.Millisecond, NewRetryPolicy(3, 100*time.Millisecond, 2, BackoffLinear, 0).Backoff(3))
	require.Equal(t, 400*time.Millisecond, NewRetryPolicy(3, 100*time.Millisecond, 2, BackoffExponential, 0).Backoff(3))
}

func TestStageProgress(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, StageProgress(StageCapture, 0))
	require.Equal(t, 25, StageProgress(StageCapture, 1))
	require.Equal(t, 37, StageProgress(StageMarkup, 0.5))
	require.Equal(t, 75, StageProgress(StageOCR, 2))
	require.Equal(t, 100, StageProgress(StageDone, 0))
}

func TestMergedRecordUsable(t *testing.T) {
	t.Parallel()

	rec := MergedRecord{Sources: FieldSources{
		ProductName:   SourceMarkup,
		Description:   SourceNone,
		ArticleNumber: SourceOCRFallback,
		Price:         SourceNone,
		TieredPrices:  SourceNone,
	}}
	require.True(t, rec.Usable())
	rec.Sources.Set(FieldArticleNumber, SourceNone)
	require.False(t, rec.Usable())
}
