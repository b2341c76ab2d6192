package queue

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Tasks per queue and state as last reported by the inspector",
		},
		[]string{"queue", "state"},
	)
	QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_processed_total",
			Help: "Total tasks processed grouped by result",
		},
		[]string{"kind", "status"},
	)
)

// RegisterMetrics registers the queue collectors on reg, tolerating repeats.
func RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{QueueDepth, QueueProcessedTotal} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// RecordDepth copies info into QueueDepth and returns the counts per state.
func RecordDepth(info *asynq.QueueInfo) map[string]int {
	states := map[string]int{
		"pending":   info.Pending,
		"active":    info.Active,
		"scheduled": info.Scheduled,
		"retry":     info.Retry,
		"archived":  info.Archived,
		"completed": info.Completed,
	}
	for state, n := range states {
		QueueDepth.WithLabelValues(info.Queue, state).Set(float64(n))
	}
	return states
}

// SampleDepth refreshes QueueDepth every interval until ctx is done.
func SampleDepth(ctx context.Context, inspector Inspector, queue string, interval time.Duration, logger zerolog.Logger) {
	if queue == "" {
		queue = DefaultQueue
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		info, err := inspector.GetQueueInfo(queue)
		switch {
		case err == nil:
			RecordDepth(info)
		case !errors.Is(err, asynq.ErrQueueNotFound):
			logger.Warn().Err(err).Str("queue", queue).Msg("inspect queue")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
