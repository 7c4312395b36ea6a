package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-lake/internal/db"
	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

// SQLServerStore keeps checkpoints in a SQL Server table
type SQLServerStore struct {
	dbConn          *sql.DB
	checkpointTable string
	locks           keyedMutex
	log             hclog.Logger
}

func NewSQLServerStore(ctx context.Context, dsn, table string, log hclog.Logger) (*SQLServerStore, error) {
	conn, err := db.Connect(ctx, dsn, log)
	if err != nil {
		return nil, err
	}
	s := &SQLServerStore{dbConn: conn, checkpointTable: table, log: log}
	if err := s.initTable(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// initTable creates the checkpoint table if it does not exist
func (s *SQLServerStore) initTable(ctx context.Context) error {
	bare := s.checkpointTable
	if i := strings.LastIndex(bare, "."); i >= 0 {
		bare = bare[i+1:]
	}
	createQuery := fmt.Sprintf(`
	IF NOT EXISTS (SELECT * FROM sys.tables WHERE name = '%s')
	BEGIN
		CREATE TABLE %s (
			topic NVARCHAR(255) NOT NULL,
			partition_id INT NOT NULL,
			position BIGINT NOT NULL,
			batch_id NVARCHAR(128) NOT NULL,
			updated_at DATETIME2 DEFAULT SYSUTCDATETIME(),
			PRIMARY KEY (topic, partition_id)
		);
	END`, bare, s.checkpointTable)

	if _, err := s.dbConn.ExecContext(ctx, createQuery); err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.checkpointTable, err)
	}
	s.log.Info("Initialized checkpoints table", "table", s.checkpointTable)
	return nil
}

func (s *SQLServerStore) Load(ctx context.Context, p cdc.Partition) (*cdc.Checkpoint, error) {
	query := fmt.Sprintf("SELECT position, batch_id, updated_at FROM %s WHERE topic = @topic AND partition_id = @partitionID", s.checkpointTable)
	var cp cdc.Checkpoint
	err := s.dbConn.QueryRowContext(ctx, query,
		sql.Named("topic", p.Topic),
		sql.Named("partitionID", p.ID),
	).Scan(&cp.Position, &cp.BatchID, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", p, err)
	}
	return &cp, nil
}

// Advance merges cp into the table. The matched branch only fires when the stored
// position is not ahead of cp.
func (s *SQLServerStore) Advance(ctx context.Context, p cdc.Partition, cp cdc.Checkpoint) error {
	unlock := s.locks.lock(p)
	defer unlock()

	upsertQuery := fmt.Sprintf(`
	MERGE INTO %s WITH (HOLDLOCK) AS target
	USING (VALUES (@topic, @partitionID, @position, @batchID, @updatedAt)) AS source (topic, partition_id, position, batch_id, updated_at)
	ON target.topic = source.topic AND target.partition_id = source.partition_id
	WHEN MATCHED AND target.position <= source.position THEN
		UPDATE SET position = source.position, batch_id = source.batch_id, updated_at = source.updated_at
	WHEN NOT MATCHED THEN
		INSERT (topic, partition_id, position, batch_id, updated_at)
		VALUES (source.topic, source.partition_id, source.position, source.batch_id, source.updated_at);`, s.checkpointTable)

	res, err := s.dbConn.ExecContext(ctx, upsertQuery,
		sql.Named("topic", p.Topic),
		sql.Named("partitionID", p.ID),
		sql.Named("position", cp.Position),
		sql.Named("batchID", cp.BatchID),
		sql.Named("updatedAt", cp.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", p, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s refused %d", ErrPositionRegressed, p, cp.Position)
	}

	s.log.Debug("Saved checkpoint", "partition", p.String(), "position", cp.Position, "batch", cp.BatchID)
	return nil
}

func (s *SQLServerStore) Close() error {
	return s.dbConn.Close()
}
