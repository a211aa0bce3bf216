package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/maumercado/task-queue-go/internal/logger"
)

// Step runs one scanner lifecycle call (create_scan, launch_scan, a
// get_status poll, export_results, stop_scan, delete_scan) with panic
// recovery and timeout/cancellation classification, mirroring the
// teacher's task Executor but around a single remote call instead of
// a whole task handler.
func Step(ctx context.Context, taskID, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.Error().
				Str("task_id", taskID).
				Str("step", name).
				Interface("panic", r).
				Str("stack", string(stack)).
				Msg("scanner step panicked")
			err = fmt.Errorf("%s: panicked: %v", name, r)
		}
	}()

	log := logger.WithTask(taskID)
	start := time.Now()
	err = fn(ctx)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Str("step", name).Dur("duration", duration).Msg("scanner step timed out")
			return ErrStepTimeout
		}
		if errors.Is(err, context.Canceled) {
			log.Warn().Str("step", name).Dur("duration", duration).Msg("scanner step canceled")
			return ErrStepCanceled
		}
		log.Error().Err(err).Str("step", name).Dur("duration", duration).Msg("scanner step failed")
		return err
	}

	log.Debug().Str("step", name).Dur("duration", duration).Msg("scanner step succeeded")
	return nil
}

var (
	ErrStepTimeout  = errors.New("scanner step timed out")
	ErrStepCanceled = errors.New("scanner step canceled")
)
