package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Handler processes one delivered message. Delivery is at-least-once: handlers
// must tolerate replays of messages they have already applied.
type Handler func(ctx context.Context, msg Message) error

// Publisher forwards every drained message to collaborators outside the
// settlement core (notifications, UI refresh, document cleanup).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Dispatcher drains pending outbox rows, routes them to registered handlers,
// and publishes the rest. Messages are claimed with SKIP LOCKED so multiple
// dispatcher instances can run against the same database.
type Dispatcher struct {
	pool        *pgxpool.Pool
	handlers    map[string]Handler
	publisher   Publisher
	log         *zap.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

// DispatcherConfig carries the Dispatcher tuning knobs.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

func NewDispatcher(pool *pgxpool.Pool, publisher Publisher, cfg DispatcherConfig, log *zap.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		pool:        pool,
		handlers:    make(map[string]Handler),
		publisher:   publisher,
		log:         log,
		interval:    cfg.PollInterval,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Register binds a handler to a topic. Must be called before Run.
func (d *Dispatcher) Register(topic string, h Handler) {
	d.handlers[topic] = h
}

// Run polls the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.log.Warn("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce claims one batch of pending messages and processes it. It returns
// the number of messages it attempted.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, status, attempts, created_at, last_attempt
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}

	msgs := make([]Message, 0, d.batchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt, &m.LastAttempt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate batch: %w", err)
	}

	for _, msg := range msgs {
		if err := d.deliver(ctx, msg); err != nil {
			d.log.Warn("outbox delivery failed",
				zap.String("topic", msg.Topic),
				zap.String("id", msg.ID),
				zap.Int("attempts", msg.Attempts+1),
				zap.Error(err))

			next := `UPDATE outbox SET attempts = attempts + 1, last_attempt = now() WHERE id = $1`
			if msg.Attempts+1 >= d.maxAttempts {
				next = `UPDATE outbox SET status = 'dead', attempts = attempts + 1, last_attempt = now() WHERE id = $1`
			}
			if _, err := tx.Exec(ctx, next, msg.ID); err != nil {
				return 0, fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}

		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`, msg.ID); err != nil {
			return 0, fmt.Errorf("outbox: mark processed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit claim tx: %w", err)
	}
	return len(msgs), nil
}

// deliver applies the registered handler first, then fans the message out
// to the external publisher. A failure in either leaves the message
// pending, so both must tolerate a redelivery of the same message.
func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	if h, ok := d.handlers[msg.Topic]; ok {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	if d.publisher != nil {
		return d.publisher.Publish(ctx, msg.Topic, msg.Payload)
	}
	return nil
}
