package engine

import (
	"context"
	"log/slog"
	"sync"

	errs "github.com/examsync/examsync/internal/errors"
	"github.com/examsync/examsync/internal/models"
)

// ImagePutter is the remote surface the uploader needs.
type ImagePutter interface {
	PutImage(ctx context.Context, hash string, data []byte) (bool, error)
}

// UploaderState is the lifecycle of a single upload batch.
type UploaderState int

const (
	UploaderIdle UploaderState = iota
	UploaderRunning
	UploaderPaused
	UploaderCompleted
	UploaderCancelled
)

func (s UploaderState) String() string {
	switch s {
	case UploaderIdle:
		return "idle"
	case UploaderRunning:
		return "running"
	case UploaderPaused:
		return "paused"
	case UploaderCompleted:
		return "completed"
	case UploaderCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// cancelledError marks tasks abandoned by Cancel. Spelled out in results so
// callers can tell cancellation apart from a server rejection.
const cancelledError = "Cancelled"

// Uploader runs one batch of image uploads through a bounded worker pool.
// A batch can be paused, resumed, and cancelled from another goroutine:
// pause stops new tasks from starting while in-flight PUTs run to
// completion, and cancel marks every not-yet-started task as failed.
//
// An Uploader is single-use. The orchestrator creates a fresh one per sync
// run.
type Uploader struct {
	putter      ImagePutter
	concurrency int
	logger      *slog.Logger

	mu     sync.Mutex
	state  UploaderState
	resume chan struct{}
}

func NewUploader(putter ImagePutter, concurrency int, logger *slog.Logger) *Uploader {
	if concurrency <= 0 {
		concurrency = 10
	}

	return &Uploader{putter: putter, concurrency: concurrency, logger: logger}
}

// State returns the current lifecycle state.
func (u *Uploader) State() UploaderState {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.state
}

// Pause stops new tasks from starting. A no-op unless running.
func (u *Uploader) Pause() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != UploaderRunning {
		return
	}

	u.state = UploaderPaused
	u.resume = make(chan struct{})
	u.logger.Info("Upload paused")
}

// Resume releases a paused batch. A no-op unless paused.
func (u *Uploader) Resume() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != UploaderPaused {
		return
	}

	u.state = UploaderRunning
	close(u.resume)
	u.resume = nil
	u.logger.Info("Upload resumed")
}

// Cancel abandons all not-yet-started tasks. In-flight PUTs finish and
// their outcomes are still recorded. Cancelling a paused batch releases it
// immediately.
func (u *Uploader) Cancel() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != UploaderRunning && u.state != UploaderPaused {
		return
	}

	if u.resume != nil {
		close(u.resume)
		u.resume = nil
	}

	u.state = UploaderCancelled
	u.logger.Info("Upload cancelled")
}

// Run executes the batch and returns one result per task, in settle order.
// Tasks whose hash is marked true in exists are skipped without a PUT and
// reported as skipped successes. Failed tasks never retry here; the next
// sync's existence check naturally picks them up again.
func (u *Uploader) Run(ctx context.Context, tasks []models.UploadTask, exists map[string]bool, progress func(completed, total int)) []models.UploadResult {
	u.mu.Lock()
	if u.state != UploaderIdle {
		u.mu.Unlock()
		return nil
	}
	u.state = UploaderRunning
	u.mu.Unlock()

	total := len(tasks)
	resultCh := make(chan models.UploadResult)
	taskCh := make(chan models.UploadTask)

	// Workers gate before each PUT, so pause and cancel take effect at task
	// granularity while in-flight uploads run to completion. After a cancel
	// the workers keep draining taskCh, flushing the remainder as cancelled.
	var wg sync.WaitGroup
	for range u.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for task := range taskCh {
				if err := u.gate(ctx); err != nil {
					resultCh <- models.UploadResult{
						ID:    task.ID,
						Hash:  task.Hash,
						Kind:  task.Kind,
						Error: cancelledError,
					}
					continue
				}

				if exists[task.Hash] {
					resultCh <- models.UploadResult{
						ID:      task.ID,
						Hash:    task.Hash,
						Kind:    task.Kind,
						Success: true,
						Skipped: true,
					}
					continue
				}

				resultCh <- u.put(ctx, task)
			}
		}()
	}

	go func() {
		defer close(taskCh)

		for _, task := range tasks {
			taskCh <- task
		}
	}()

	results := make([]models.UploadResult, 0, total)
	for range total {
		results = append(results, <-resultCh)
		if progress != nil {
			progress(len(results), total)
		}
	}

	wg.Wait()

	u.mu.Lock()
	if u.state != UploaderCancelled {
		u.state = UploaderCompleted
	}
	u.mu.Unlock()

	return results
}

// gate blocks while the batch is paused and reports cancellation. Returns
// nil when the caller may dispatch the next task.
func (u *Uploader) gate(ctx context.Context) error {
	for {
		u.mu.Lock()
		switch u.state {
		case UploaderCancelled:
			u.mu.Unlock()
			return errs.ErrCancelled

		case UploaderPaused:
			resume := u.resume
			u.mu.Unlock()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-resume:
			}

		default:
			u.mu.Unlock()
			return nil
		}
	}
}

func (u *Uploader) put(ctx context.Context, task models.UploadTask) models.UploadResult {
	result := models.UploadResult{ID: task.ID, Hash: task.Hash, Kind: task.Kind}

	existed, err := u.putter.PutImage(ctx, task.Hash, task.Payload)
	if err != nil {
		result.Error = err.Error()
		u.logger.Warn("Image upload failed",
			slog.String("hash", task.Hash),
			slog.String("error", err.Error()))
		return result
	}

	result.Success = true
	result.Skipped = existed

	return result
}
