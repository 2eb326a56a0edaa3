package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/socketcore/internal/observability"
	"github.com/example/socketcore/internal/types"
	"github.com/example/socketcore/internal/ws"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_messages (
	seq        BIGSERIAL PRIMARY KEY,
	session_id TEXT        NOT NULL,
	body       TEXT        NOT NULL,
	bytes      INTEGER     NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS session_messages_session_idx ON session_messages (session_id, seq);
CREATE TABLE IF NOT EXISTS message_archives (
	last_seq    BIGINT PRIMARY KEY,
	object_path TEXT        NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Journal persists inbound messages in Postgres.
type Journal struct {
	pool          *pgxpool.Pool
	logger        zerolog.Logger
	maxRetries    int
	retryDelay    time.Duration
	appendTimeout time.Duration
}

// JournalOption configures the journal.
type JournalOption func(*Journal)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) JournalOption {
	return func(j *Journal) {
		j.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) JournalOption {
	return func(j *Journal) {
		j.retryDelay = d
	}
}

// WithAppendTimeout bounds how long Wrap waits for one append, retries
// included.
func WithAppendTimeout(d time.Duration) JournalOption {
	return func(j *Journal) {
		j.appendTimeout = d
	}
}

// NewJournal constructs a journal on the provided pool.
func NewJournal(pool *pgxpool.Pool, logger zerolog.Logger, opts ...JournalOption) *Journal {
	j := &Journal{
		pool:          pool,
		logger:        logger,
		maxRetries:    3,
		retryDelay:    100 * time.Millisecond,
		appendTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// EnsureSchema creates the journal tables when missing.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	if _, err := j.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create journal schema: %w", err)
	}
	return nil
}

// Append stores a message and returns its sequence number.
func (j *Journal) Append(ctx context.Context, rec types.MessageRecord) (int64, error) {
	ctx, span := journalTracer.Start(ctx, "journal.append", trace.WithAttributes(attribute.String("session", string(rec.Session))))
	defer span.End()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	var seq int64
	err := retry(ctx, j.maxRetries, j.retryDelay, func(ctx context.Context) error {
		return j.pool.QueryRow(ctx, `
INSERT INTO session_messages (session_id, body, bytes, created_at)
VALUES ($1, $2, $3, $4)
RETURNING seq`,
			string(rec.Session), rec.Body, len(rec.Body), rec.CreatedAt,
		).Scan(&seq)
	})
	journalAppendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		journalAppendFailures.Inc()
		return 0, fmt.Errorf("append message: %w", err)
	}
	return seq, nil
}

// Since returns up to limit messages with a sequence number above after, in
// sequence order.
func (j *Journal) Since(ctx context.Context, after int64, limit int) ([]types.MessageRecord, error) {
	rows, err := j.pool.Query(ctx, `
SELECT seq, session_id, body, bytes, created_at
FROM session_messages
WHERE seq > $1
ORDER BY seq
LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// BySession returns the latest limit messages of a session, oldest first.
func (j *Journal) BySession(ctx context.Context, session types.SessionID, limit int) ([]types.MessageRecord, error) {
	rows, err := j.pool.Query(ctx, `
SELECT seq, session_id, body, bytes, created_at FROM (
	SELECT seq, session_id, body, bytes, created_at
	FROM session_messages
	WHERE session_id = $1
	ORDER BY seq DESC
	LIMIT $2
) latest ORDER BY seq`, string(session), limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// LastArchived returns the highest sequence number already archived.
func (j *Journal) LastArchived(ctx context.Context) (int64, error) {
	var seq int64
	err := j.pool.QueryRow(ctx, `SELECT last_seq FROM message_archives ORDER BY last_seq DESC LIMIT 1`).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// RecordArchive stores the checkpoint of an uploaded archive object.
func (j *Journal) RecordArchive(ctx context.Context, lastSeq int64, objectPath string) error {
	return retry(ctx, j.maxRetries, j.retryDelay, func(ctx context.Context) error {
		_, err := j.pool.Exec(ctx, `
INSERT INTO message_archives (last_seq, object_path)
VALUES ($1, $2)
ON CONFLICT (last_seq) DO UPDATE SET object_path = EXCLUDED.object_path, archived_at = now()`,
			lastSeq, objectPath)
		return err
	})
}

// Wrap journals every message before passing it on to next. A failed append
// is logged and does not end the session.
func (j *Journal) Wrap(next ws.Handler) ws.Handler {
	return ws.HandlerFunc(func(ctx context.Context, s *ws.Session, text string) error {
		appendCtx, cancel := context.WithTimeout(ctx, j.appendTimeout)
		_, err := j.Append(appendCtx, types.NewMessageRecord(types.SessionID(s.ID()), text))
		cancel()
		if err != nil {
			logger := observability.LoggerWithTrace(ctx, j.logger)
			logger.Warn().Err(err).Str("session", s.ID()).Msg("journal append failed")
		}
		return next.HandleMessage(ctx, s, text)
	})
}

func scanRecords(rows pgx.Rows) ([]types.MessageRecord, error) {
	defer rows.Close()

	var records []types.MessageRecord
	for rows.Next() {
		var (
			rec     types.MessageRecord
			session string
		)
		if err := rows.Scan(&rec.Seq, &session, &rec.Body, &rec.Bytes, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Session = types.SessionID(session)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func retry(ctx context.Context, maxRetries int, delay time.Duration, fn func(context.Context) error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt == maxRetries {
			return err
		}
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
