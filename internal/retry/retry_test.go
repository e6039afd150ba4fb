package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func instantEngine() *Engine {
	e := NewEngine()
	e.sleep = func(ctx context.Context, d time.Duration) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
	return e
}

func TestEngine_RetriesTransientThenSucceeds(t *testing.T) {
	e := instantEngine()
	calls := 0
	_, err := e.Run(context.Background(), DefaultConfig(), Options{}, func(ctx context.Context, attempt int) (any, Classification, error) {
		calls++
		if calls < 3 {
			return nil, Classification{Class: ClassTransient}, errors.New("boom")
		}
		return "ok", Classification{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestEngine_PermanentFailsImmediately(t *testing.T) {
	e := instantEngine()
	calls := 0
	_, err := e.Run(context.Background(), DefaultConfig(), Options{}, func(ctx context.Context, attempt int) (any, Classification, error) {
		calls++
		return nil, Classification{Class: ClassPermanent}, errors.New("bad request")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, ClassPermanent, rerr.Class)
}

func TestEngine_SharedGateBlocksSecondCallerUntilBackoffElapses(t *testing.T) {
	e := instantEngine()
	ctx := context.Background()

	_, err := e.Run(ctx, Config{MaxRetries: 0}, Options{RateLimitKey: "openai:gpt-4"}, func(ctx context.Context, attempt int) (any, Classification, error) {
		return nil, Classification{Class: ClassRateLimit, RetryAfterMs: 2000}, errors.New("429")
	})
	require.Error(t, err)

	until := e.gate.WaitUntilMs("openai:gpt-4")
	require.Greater(t, until, int64(0))
}

func TestEngine_FastFailWhenGateWaitExceedsBudget(t *testing.T) {
	e := instantEngine()
	e.gate.Advance("openai:gpt-4", 120_000)

	_, err := e.Run(context.Background(), Config{MaxRateLimitWaitMs: 10}, Options{RateLimitKey: "openai:gpt-4"}, func(ctx context.Context, attempt int) (any, Classification, error) {
		t.Fatal("op should not run")
		return nil, Classification{}, nil
	})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, ErrKindRateLimitFastFail, rerr.Kind)
}

func TestEngine_CancelledContextAborts(t *testing.T) {
	e := instantEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, DefaultConfig(), Options{}, func(ctx context.Context, attempt int) (any, Classification, error) {
		t.Fatal("op should not run")
		return nil, Classification{}, nil
	})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, ErrKindCancelled, rerr.Kind)
}

func TestClassify_KnownCases(t *testing.T) {
	require.Equal(t, ClassRateLimit, Classify(429, "").Class)
	require.Equal(t, ClassCapacity, Classify(503, "").Class)
	require.Equal(t, ClassTimeout, Classify(0, "request timeout").Class)
	require.Equal(t, ClassPermanent, Classify(400, "bad input").Class)
	require.Equal(t, ClassTransient, Classify(502, "").Class)
}
