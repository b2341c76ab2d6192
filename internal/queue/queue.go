package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/killdeer/ffcsa-ops/internal/localline"
	"github.com/killdeer/ffcsa-ops/internal/pricesync"
	"github.com/killdeer/ffcsa-ops/internal/pricing"
	"github.com/killdeer/ffcsa-ops/internal/repo"
	"github.com/killdeer/ffcsa-ops/internal/resilience"
)

// TypeProductSync syncs the prices of one product.
const TypeProductSync = "pricesync:product"

// DefaultQueue is the asynq queue sync tasks are placed on.
const DefaultQueue = "pricesync"

// ProductSyncPayload is the body of a TypeProductSync task.
type ProductSyncPayload struct {
	ProductID   int64     `json:"product_id"`
	DryRun      bool      `json:"dry_run"`
	LinkMissing bool      `json:"link_missing"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewProductSyncTask builds a task for payload.
func NewProductSyncTask(p ProductSyncPayload) (*asynq.Task, error) {
	if p.ProductID <= 0 {
		return nil, errors.New("queue: product id is required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeProductSync, raw), nil
}

// TaskClient is the subset of asynq.Client used for enqueueing.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer publishes sync tasks. A task for the same product and mode is only
// enqueued once within DedupWindow.
type Enqueuer struct {
	Client      TaskClient
	Queue       string
	MaxRetry    int
	DedupWindow time.Duration
	Timeout     time.Duration
}

// EnqueueProductSync implements pricesync.Enqueuer.
func (e Enqueuer) EnqueueProductSync(ctx context.Context, productID int64, opts pricesync.Options) error {
	if e.Client == nil {
		return errors.New("queue: task client not configured")
	}
	task, err := NewProductSyncTask(ProductSyncPayload{
		ProductID:   productID,
		DryRun:      opts.DryRun,
		LinkMissing: opts.LinkMissing,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	queue := e.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	maxRetry := e.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 5
	}
	window := e.DedupWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	// the payload carries a timestamp, so uniqueness is keyed on a task id instead
	id := fmt.Sprintf("%s:%d:%t:%t:%d", TypeProductSync, productID, opts.DryRun, opts.LinkMissing,
		time.Now().Truncate(window).Unix())
	_, err = e.Client.EnqueueContext(ctx, task,
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(timeout),
		asynq.TaskID(id),
		asynq.Retention(window),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: enqueue product %d: %w", productID, err)
	}
	return nil
}

// Handler processes sync tasks with a Syncer.
type Handler struct {
	Syncer *pricesync.Syncer
	Logger zerolog.Logger
}

// ProcessTask implements asynq.Handler. Errors that a retry cannot fix are
// wrapped with asynq.SkipRetry.
func (h Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p ProductSyncPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		QueueProcessedTotal.WithLabelValues(t.Type(), "invalid").Inc()
		return fmt.Errorf("queue: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	taskID, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)
	logger := h.Logger.With().Str("task_id", taskID).Int("retried", retried).Int64("product_id", p.ProductID).Logger()

	opts := h.Syncer.Options()
	opts.DryRun = opts.DryRun || p.DryRun
	opts.LinkMissing = opts.LinkMissing || p.LinkMissing
	report := h.Syncer.WithOptions(opts).SyncProduct(ctx, p.ProductID)
	result := report.Result()
	QueueProcessedTotal.WithLabelValues(t.Type(), result).Inc()

	if err := report.Err(); err != nil {
		if permanent(err) {
			logger.Warn().Err(err).Msg("product sync failed permanently")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	// a failed price list is reported and skipped; rerunning the task would
	// PATCH the lists that already succeeded
	failed := 0
	for _, l := range report.Lists {
		if l.Status == pricesync.StatusFailed {
			failed++
			logger.Warn().Str("price_list", l.PriceList).Str("reason", l.Reason).Msg("price list not updated")
		}
	}
	logger.Info().Str("result", result).Int("lists_failed", failed).Msg("product sync done")
	return nil
}

func permanent(err error) bool {
	return pricing.IsValidation(err) || errors.Is(err, repo.ErrNotFound) || localline.IsNotFound(err)
}

// NewServeMux routes sync tasks to h.
func NewServeMux(h Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeProductSync, h)
	return mux
}

// ServerConfig configures the asynq worker server.
type ServerConfig struct {
	Redis       asynq.RedisConnOpt
	Concurrency int
	Queue       string
	RetryBase   time.Duration
	Logger      zerolog.Logger
}

// NewServer builds an asynq server whose retry delays follow resilience.Backoff.
func NewServer(cfg ServerConfig) *asynq.Server {
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = 5 * time.Second
	}
	logger := cfg.Logger
	return asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{queue: 1},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return RetryDelay(base, n)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Error().Err(err).Str("type", task.Type()).
				Str("attempt", strconv.Itoa(retried+1)+"/"+strconv.Itoa(maxRetry+1)).Msg("task failed")
		}),
		Logger:   asynqLogger{logger: logger},
		LogLevel: asynq.WarnLevel,
	})
}

// RetryDelay returns the delay before retry n, capped at ten minutes.
func RetryDelay(base time.Duration, n int) time.Duration {
	const maxDelay = 10 * time.Minute
	if n > 16 {
		return maxDelay
	}
	d := resilience.Backoff(base, n+1, 0.2)
	if d <= 0 || d > maxDelay {
		d = maxDelay
	}
	return d
}

type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
