package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reybrally/school-events/internal/domain/event"
)

const (
	StatusNew        = "new"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
)

var ErrDuplicateEvent = errors.New("outbox: event already stored")

const (
	qInsertOutbox = `
	INSERT INTO event_outbox (id, event_id, topic, kind, partition_key, payload, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, 'new', $7, NOW())`

	qClaimBatch = `
	WITH claimed AS (
		SELECT id
		FROM event_outbox
		WHERE status = 'new'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE event_outbox
	SET status = 'processing', updated_at = NOW()
	WHERE id IN (SELECT id FROM claimed)
	RETURNING id::text, event_id, topic, kind, partition_key, payload, attempts, created_at`

	qMarkProcessed = `
	UPDATE event_outbox
	SET status = 'processed', updated_at = NOW()
	WHERE id::text = ANY($1)`

	qMarkFailed = `
	UPDATE event_outbox
	SET status = 'new', attempts = attempts + 1, last_error = $2, updated_at = NOW()
	WHERE id::text = ANY($1)`

	qReleaseStale = `
	UPDATE event_outbox
	SET status = 'new', updated_at = NOW()
	WHERE status = 'processing' AND updated_at < $1`
)

// OutboxRecord is one claimed row. Payload holds the encoded envelope.
type OutboxRecord struct {
	ID           string
	EventID      string
	Topic        string
	Kind         string
	PartitionKey string
	Payload      []byte
	Attempts     int
	CreatedAt    time.Time
}

type OutboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo { return &OutboxRepo{pool: pool} }

// Publish stores env for later delivery to topic. It joins the transaction
// in ctx when there is one.
func (r *OutboxRepo) Publish(ctx context.Context, topic string, env event.Envelope) error {
	value, err := event.Encode(env)
	if err != nil {
		return err
	}

	var exec executor = r.pool
	if tx := GetTx(ctx); tx != nil {
		exec = tx
	}

	_, err = exec.Exec(ctx, qInsertOutbox,
		uuid.New(), env.ID(), topic, string(env.Kind()), env.PartitionKey(), value, env.OccurredAt())
	if err != nil {
		var pgerr *pgconn.PgError
		if errors.As(err, &pgerr) && pgerr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, env.ID())
		}
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// FetchBatch claims up to limit new rows, oldest first. Claimed rows stay
// invisible to other relays until marked.
func (r *OutboxRepo) FetchBatch(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := r.pool.Query(ctx, qClaimBatch, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Kind, &rec.PartitionKey,
			&rec.Payload, &rec.Attempts, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return out, nil
}

func (r *OutboxRepo) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, qMarkProcessed, ids); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// MarkFailed returns rows to the queue and records why.
func (r *OutboxRepo) MarkFailed(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, qMarkFailed, ids, reason); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ReleaseStale requeues rows a crashed relay left in processing.
func (r *OutboxRepo) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, qReleaseStale, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("release stale outbox rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *OutboxRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
