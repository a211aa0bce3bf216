package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStep_Success(t *testing.T) {
	err := Step(context.Background(), "task-1", "create_scan", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestStep_PropagatesError(t *testing.T) {
	want := errors.New("backend rejected request")
	err := Step(context.Background(), "task-1", "create_scan", func(ctx context.Context) error {
		return want
	})
	assert.Equal(t, want, err)
}

func TestStep_ClassifiesDeadlineExceeded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := Step(ctx, "task-1", "get_status", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, ErrStepTimeout, err)
}

func TestStep_ClassifiesCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Step(ctx, "task-1", "get_status", func(ctx context.Context) error {
		return ctx.Err()
	})
	assert.Equal(t, ErrStepCanceled, err)
}

func TestStep_RecoversPanic(t *testing.T) {
	err := Step(context.Background(), "task-1", "launch_scan", func(ctx context.Context) error {
		panic("scanner adapter exploded")
	})
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "panicked")
	}
}
