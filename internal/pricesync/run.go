package pricesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/killdeer/ffcsa-ops/internal/lock"
	"github.com/killdeer/ffcsa-ops/internal/obs"
)

// ErrRunInProgress is returned when another sync run holds the run lock.
var ErrRunInProgress = errors.New("pricesync: another run is in progress")

const runLockKey = "pricesync:run"

// Locker serialises whole sync runs across processes.
type Locker interface {
	TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// RunSummary aggregates the reports of one run.
type RunSummary struct {
	RunID     string          `json:"runId"`
	StartedAt time.Time       `json:"startedAt"`
	Duration  time.Duration   `json:"duration"`
	DryRun    bool            `json:"dryRun"`
	Products  int             `json:"products"`
	OK        int             `json:"ok"`
	Partial   int             `json:"partial"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Reports   []ProductReport `json:"reports"`
}

func (s *RunSummary) add(r ProductReport) {
	s.Products++
	switch r.Result() {
	case "ok":
		s.OK++
	case "partial":
		s.Partial++
	case "skipped":
		s.Skipped++
	default:
		s.Failed++
	}
	s.Reports = append(s.Reports, r)
}

// Run syncs ids, or every linked product when ids is empty, with bounded
// concurrency. lockTTL bounds how long the run lock survives a crashed run.
func (s *Syncer) Run(ctx context.Context, ids []int64, lockTTL time.Duration) (RunSummary, error) {
	summary := RunSummary{RunID: uuid.NewString(), StartedAt: time.Now().UTC(), DryRun: s.opts.DryRun}
	ctx = obs.WithRunID(ctx, summary.RunID)
	logger := s.logger.With().Str("run_id", summary.RunID).Logger()

	body := func(ctx context.Context) error {
		if len(ids) == 0 {
			all, err := s.store.ListIDs(ctx, true)
			if err != nil {
				return fmt.Errorf("pricesync: list products: %w", err)
			}
			ids = all
		}
		logger.Info().Int("products", len(ids)).Bool("dry_run", s.opts.DryRun).
			Int("concurrency", s.opts.Concurrency).Msg("price sync started")

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.Concurrency)
		for _, id := range ids {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				report := s.SyncProduct(gctx, id)
				mu.Lock()
				summary.add(report)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		return ctx.Err()
	}

	var err error
	if s.locker != nil && lockTTL > 0 {
		err = s.locker.TryWithLock(ctx, runLockKey, lockTTL, body)
		if errors.Is(err, lock.ErrLocked) {
			logger.Warn().Msg("price sync already running, skipping")
			return summary, ErrRunInProgress
		}
	} else {
		err = body(ctx)
	}

	sort.Slice(summary.Reports, func(i, j int) bool {
		return summary.Reports[i].ProductID < summary.Reports[j].ProductID
	})
	summary.Duration = time.Since(summary.StartedAt)
	if s.metrics != nil {
		s.metrics.RunDuration.Observe(summary.Duration.Seconds())
	}
	logger.Info().Int("products", summary.Products).Int("ok", summary.OK).Int("partial", summary.Partial).
		Int("skipped", summary.Skipped).Int("failed", summary.Failed).Dur("duration", summary.Duration).
		Msg("price sync finished")
	return summary, err
}
