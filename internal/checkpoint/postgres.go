package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/katasec/dstream-ingester-lake/internal/db"
	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

// PostgresStore keeps checkpoints in a PostgreSQL table
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
	locks keyedMutex
	log   hclog.Logger
}

func NewPostgresStore(ctx context.Context, dsn, table string, log hclog.Logger) (*PostgresStore, error) {
	pool, err := db.ConnectPostgres(ctx, dsn, log)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool, table: table, log: log}
	if err := s.initTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initTable(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		topic        TEXT        NOT NULL,
		partition_id INTEGER     NOT NULL,
		position     BIGINT      NOT NULL,
		batch_id     TEXT        NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (topic, partition_id)
	)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.table, err)
	}
	s.log.Info("Initialized checkpoints table", "table", s.table)
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, p cdc.Partition) (*cdc.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT position, batch_id, updated_at FROM %s WHERE topic = $1 AND partition_id = $2`, s.table)
	var cp cdc.Checkpoint
	err := s.pool.QueryRow(ctx, query, p.Topic, p.ID).Scan(&cp.Position, &cp.BatchID, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", p, err)
	}
	return &cp, nil
}

// Advance upserts cp unless the stored position is ahead of it.
func (s *PostgresStore) Advance(ctx context.Context, p cdc.Partition, cp cdc.Checkpoint) error {
	unlock := s.locks.lock(p)
	defer unlock()

	query := fmt.Sprintf(`
	INSERT INTO %[1]s AS t (topic, partition_id, position, batch_id, updated_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (topic, partition_id) DO UPDATE
		SET position = EXCLUDED.position, batch_id = EXCLUDED.batch_id, updated_at = EXCLUDED.updated_at
		WHERE t.position <= EXCLUDED.position`, s.table)

	tag, err := s.pool.Exec(ctx, query, p.Topic, p.ID, cp.Position, cp.BatchID, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", p, err)
	}
	if tag.RowsAffected() == 0 {
		cur, loadErr := s.Load(ctx, p)
		if loadErr != nil || cur == nil {
			return fmt.Errorf("%w: %s refused %d", ErrPositionRegressed, p, cp.Position)
		}
		return regressed(p, cur.Position, cp.Position)
	}
	s.log.Debug("Saved checkpoint", "partition", p.String(), "position", cp.Position, "batch", cp.BatchID)
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
