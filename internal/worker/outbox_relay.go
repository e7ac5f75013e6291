package worker

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/school-events/internal/adapters/repo"
	"github.com/reybrally/school-events/internal/domain/event"
	"github.com/reybrally/school-events/internal/logging"
)

var (
	outboxPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "school_events",
		Subsystem: "outbox",
		Name:      "published_total",
		Help:      "Outbox rows delivered to the log.",
	})
	outboxFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "school_events",
		Subsystem: "outbox",
		Name:      "publish_errors_total",
		Help:      "Outbox rows that failed to publish and were requeued.",
	})
)

type OutboxStore interface {
	FetchBatch(ctx context.Context, limit int) ([]repo.OutboxRecord, error)
	MarkProcessed(ctx context.Context, ids []string) error
	MarkFailed(ctx context.Context, ids []string, reason string) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type EnvelopePublisher interface {
	Publish(ctx context.Context, topic string, env event.Envelope) error
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	SendTimeout  time.Duration
	// StaleAfter is how long a claimed row may stay in processing before
	// it is returned to the queue.
	StaleAfter time.Duration
}

// OutboxRelay moves stored envelopes to the log in creation order.
type OutboxRelay struct {
	store OutboxStore
	pub   EnvelopePublisher
	cfg   RelayConfig
}

func NewOutboxRelay(store OutboxStore, pub EnvelopePublisher, cfg RelayConfig) *OutboxRelay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	return &OutboxRelay{store: store, pub: pub, cfg: cfg}
}

func (p *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	staleTicker := time.NewTicker(p.cfg.StaleAfter)
	defer staleTicker.Stop()

	logging.LogInfo("outbox relay started", logrus.Fields{
		"poll_interval": p.cfg.PollInterval.String(), "batch_size": p.cfg.BatchSize,
		"stale_after": p.cfg.StaleAfter.String(),
	})
	// rows left in processing by a previous run
	p.releaseStale(ctx)
	for {
		select {
		case <-ctx.Done():
			logging.LogInfo("outbox relay stopped", logrus.Fields{})
			return nil
		case <-staleTicker.C:
			p.releaseStale(ctx)
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				logging.LogError("outbox batch failed", err, logrus.Fields{})
			}
		}
	}
}

func (p *OutboxRelay) releaseStale(ctx context.Context) {
	n, err := p.store.ReleaseStale(ctx, p.cfg.StaleAfter)
	if err != nil {
		if ctx.Err() == nil {
			logging.LogError("outbox stale release failed", err, logrus.Fields{})
		}
		return
	}
	if n > 0 {
		logging.LogWarn("outbox stale rows requeued", logrus.Fields{"count": n})
	}
}

// ProcessBatch claims one batch and publishes it. Rows that cannot be
// decoded are marked processed, since retrying them can never succeed.
// Claimed rows are settled even when ctx is cancelled mid-batch.
func (p *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	records, err := p.store.FetchBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	var processed, failed []string
	var lastErr error
	for _, rec := range records {
		fields := logrus.Fields{"outbox_id": rec.ID, "event_id": rec.EventID, "topic": rec.Topic}

		env, err := event.Decode(rec.Payload)
		if err != nil {
			logging.LogError("outbox row undecodable, dropping", err, fields)
			processed = append(processed, rec.ID)
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
		err = p.pub.Publish(sendCtx, rec.Topic, env)
		cancel()
		if err != nil {
			outboxFailed.Inc()
			logging.LogError("outbox publish failed", err, fields)
			failed = append(failed, rec.ID)
			lastErr = err
			continue
		}
		outboxPublished.Inc()
		processed = append(processed, rec.ID)
	}

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SendTimeout)
	defer cancel()

	var markErr error
	if len(processed) > 0 {
		if err := p.store.MarkProcessed(markCtx, processed); err != nil {
			logging.LogError("outbox mark processed failed", err, logrus.Fields{"count": len(processed)})
			markErr = err
		}
	}
	if len(failed) > 0 {
		reason := ""
		if lastErr != nil {
			reason = lastErr.Error()
		}
		if err := p.store.MarkFailed(markCtx, failed, reason); err != nil {
			logging.LogError("outbox mark failed", err, logrus.Fields{"count": len(failed)})
			markErr = errors.Join(markErr, err)
		}
	}
	if markErr != nil {
		return 0, markErr
	}
	logging.LogDebug("outbox batch done", logrus.Fields{"processed": len(processed), "failed": len(failed)})
	return len(processed), nil
}
