// Package postgres archives dead letters in PostgreSQL so operators can inspect and replay them.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/internal/reliability"
)

const defaultTable = "saga_dead_letters"

// Archive is a reliability.Sink writing to a PostgreSQL table
type Archive struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger
}

// Option configures the Archive
type Option func(*Archive)

// WithTable sets the table name
func WithTable(table string) Option {
	return func(a *Archive) {
		a.table = pgx.Identifier{table}.Sanitize()
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// New creates the archive and its table if missing
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Archive, error) {
	a := &Archive{
		pool:   pool,
		table:  pgx.Identifier{defaultTable}.Sanitize(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.initSchema(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) initSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				key TEXT NOT NULL,
				correlation_id TEXT NOT NULL DEFAULT '',
				run_id TEXT NOT NULL DEFAULT '',
				reason TEXT NOT NULL,
				error_type TEXT NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT '',
				message JSONB,
				attributes JSONB NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			)`, a.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (correlation_id)`,
			pgx.Identifier{"idx_" + a.tableName() + "_correlation"}.Sanitize(), a.table),
	}
	for _, stmt := range statements {
		if _, err := a.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: create dead letter table: %w", err)
		}
	}
	return nil
}

func (a *Archive) tableName() string {
	// Sanitize quotes the identifier; strip quotes for the index name.
	name := a.table
	if len(name) >= 2 && name[0] == '"' && name[len(name)-1] == '"' {
		name = name[1 : len(name)-1]
	}
	return name
}

// Send implements reliability.Sink
func (a *Archive) Send(ctx context.Context, letter reliability.DeadLetter) error {
	var message []byte
	if letter.Message != nil {
		encoded, err := letter.Message.Encode()
		if err != nil {
			return err
		}
		message = encoded
	}
	attributes, err := json.Marshal(letter.Attributes)
	if err != nil {
		return fmt.Errorf("postgres: encode attributes: %w", err)
	}

	var errType, errMessage string
	if letter.Error != nil {
		errType, errMessage = letter.Error.Type, letter.Error.Message
	}
	createdAt := letter.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = a.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, correlation_id, run_id, reason, error_type, error_message, message, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.table),
		letter.Key,
		letter.Attributes.CorrelationID,
		letter.Attributes.RunID,
		letter.Reason,
		errType,
		errMessage,
		message,
		attributes,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: archive dead letter %s: %w", letter.Key, err)
	}

	a.logger.Debug("dead letter archived", "key", letter.Key, "correlationId", letter.Attributes.CorrelationID, "reason", letter.Reason)
	return nil
}

// Filter narrows List
type Filter struct {
	CorrelationID string
	Limit         int
}

// List returns archived dead letters, newest first
func (a *Archive) List(ctx context.Context, filter Filter) ([]reliability.DeadLetter, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := a.pool.Query(ctx, fmt.Sprintf(`
		SELECT key, reason, error_type, error_message, message, attributes, created_at
		FROM %s
		WHERE $1::text = '' OR correlation_id = $1::text
		ORDER BY id DESC
		LIMIT $2
	`, a.table), filter.CorrelationID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []reliability.DeadLetter
	for rows.Next() {
		var (
			letter     reliability.DeadLetter
			errType    string
			errMessage string
			message    []byte
			attributes []byte
		)
		if err := rows.Scan(&letter.Key, &letter.Reason, &errType, &errMessage, &message, &attributes, &letter.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan dead letter: %w", err)
		}
		if errType != "" || errMessage != "" {
			letter.Error = &contracts.ErrorBody{Type: errType, Message: errMessage}
		}
		if len(message) > 0 {
			if letter.Message, err = contracts.DecodeMessage(message); err != nil {
				return nil, err
			}
		}
		if err := json.Unmarshal(attributes, &letter.Attributes); err != nil {
			return nil, fmt.Errorf("postgres: decode attributes: %w", err)
		}
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	return letters, nil
}

// Purge removes dead letters older than the given age and returns how many were removed
func (a *Archive) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := a.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, a.table), time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("postgres: purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks connectivity; used by the health checker
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

var _ reliability.Sink = (*Archive)(nil)
