package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/examsync/examsync/internal/models"
)

// ImageChecker is the remote surface the existence checker needs.
type ImageChecker interface {
	CheckImages(ctx context.Context, hashes []string) (map[string]bool, error)
}

// CheckerConfig bounds a check run. Zero MaxRetries means failed chunks are
// retried until the context is cancelled.
type CheckerConfig struct {
	ChunkSize   int
	Concurrency int
	MaxRetries  int
	RoundDelay  time.Duration
}

// Checker resolves which content hashes already exist on the server. Hashes
// are queried in fixed-size chunks with bounded concurrency; chunks that
// fail transiently are collected and retried in a later round rather than
// failing the whole batch.
type Checker struct {
	gateway ImageChecker
	cfg     CheckerConfig
	logger  *slog.Logger
}

// NewChecker creates a checker. Non-positive config fields fall back to
// safe defaults.
func NewChecker(gateway ImageChecker, cfg CheckerConfig, logger *slog.Logger) *Checker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 100
	}
	if cfg.RoundDelay <= 0 {
		cfg.RoundDelay = time.Second
	}

	return &Checker{gateway: gateway, cfg: cfg, logger: logger}
}

// Check resolves existence for every hash in the batch. The returned map
// has an entry for each distinct input hash. When MaxRetries is set and a
// chunk keeps failing past it, its hashes are reported as not existing, so
// the worst case is a redundant upload rather than a silently missing
// image.
//
// Check returns an error only when ctx is cancelled.
func (c *Checker) Check(ctx context.Context, hashes []string, progress func(models.SyncProgress)) (map[string]bool, error) {
	pending := dedupe(hashes)
	results := make(map[string]bool, len(pending))
	total := len(pending)

	if total == 0 {
		return results, nil
	}

	delay := newRoundDelay(c.cfg.RoundDelay)

	for round := 1; ; round++ {
		var (
			mu     sync.Mutex
			failed []string
		)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.Concurrency)

		for _, chunk := range chunked(pending, c.cfg.ChunkSize) {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}

				res, err := c.gateway.CheckImages(gctx, chunk)

				mu.Lock()
				defer mu.Unlock()

				if err != nil {
					failed = append(failed, chunk...)
					c.logger.Warn("Existence check chunk failed",
						slog.Int("round", round),
						slog.Int("hashes", len(chunk)),
						slog.String("error", err.Error()))
				} else {
					for h, exists := range res {
						results[h] = exists
					}
				}

				if progress != nil {
					progress(models.SyncProgress{
						Phase:       models.PhaseChecking,
						Message:     "Checking image existence",
						Current:     len(results),
						Total:       total,
						Percentage:  models.Percent(len(results), total),
						Round:       round,
						FailedCount: len(failed),
					})
				}

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return nil, err
		}

		if len(failed) == 0 {
			return results, nil
		}

		if c.cfg.MaxRetries > 0 && round > c.cfg.MaxRetries {
			c.logger.Warn("Existence check retries exhausted, assuming missing",
				slog.Int("hashes", len(failed)))
			for _, h := range failed {
				results[h] = false
			}
			return results, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay.NextBackOff()):
		}

		pending = failed
	}
}

// newRoundDelay builds the inter-round backoff. Rounds back off gently: the
// server is reachable enough to answer some chunks, so long waits only
// stall the sync.
func newRoundDelay(initial time.Duration) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	return bo
}

func dedupe(hashes []string) []string {
	seen := make(map[string]struct{}, len(hashes))
	out := make([]string, 0, len(hashes))

	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}

	return out
}

func chunked(hashes []string, size int) [][]string {
	var chunks [][]string
	for len(hashes) > size {
		chunks = append(chunks, hashes[:size])
		hashes = hashes[size:]
	}
	if len(hashes) > 0 {
		chunks = append(chunks, hashes)
	}

	return chunks
}
