package repository

import (
	"context"
	"fmt"

	"egressfleet/internal/common/db"
	"egressfleet/internal/fleet/model"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

const instancesTable = "fleet_instances"

type instanceRow struct {
	ID        string `db:"id"`
	State     string `db:"state"`
	Record    string `db:"record"`
	UpdatedAt int64  `db:"updated_at"`
}

// SQLStore keeps records in a single table on MySQL or SQLite.
type SQLStore struct {
	conn    sqlx.SqlConn
	dialect string
}

// NewSQLStore wraps an open connection. dialect is db.DriverMySQL or
// db.DriverSQLite.
func NewSQLStore(conn sqlx.SqlConn, dialect string) (*SQLStore, error) {
	switch dialect {
	case db.DriverMySQL, db.DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	return &SQLStore{conn: conn, dialect: dialect}, nil
}

// EnsureSchema creates the records table when missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	var ddl string
	if s.dialect == db.DriverMySQL {
		ddl = "CREATE TABLE IF NOT EXISTS `" + instancesTable + "` (" +
			"`id` VARCHAR(128) NOT NULL PRIMARY KEY, " +
			"`state` VARCHAR(32) NOT NULL, " +
			"`record` LONGTEXT NOT NULL, " +
			"`updated_at` BIGINT NOT NULL, " +
			"KEY `idx_state` (`state`)" +
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
	} else {
		ddl = "CREATE TABLE IF NOT EXISTS " + instancesTable + " (" +
			"id TEXT NOT NULL PRIMARY KEY, " +
			"state TEXT NOT NULL, " +
			"record TEXT NOT NULL, " +
			"updated_at INTEGER NOT NULL)"
	}
	if _, err := s.conn.ExecCtx(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", instancesTable, err)
	}
	return nil
}

func (s *SQLStore) upsertQuery() string {
	if s.dialect == db.DriverMySQL {
		return "INSERT INTO `" + instancesTable + "` (`id`, `state`, `record`, `updated_at`) VALUES (?, ?, ?, ?) " +
			"ON DUPLICATE KEY UPDATE `state` = VALUES(`state`), `record` = VALUES(`record`), `updated_at` = VALUES(`updated_at`)"
	}
	return "INSERT INTO " + instancesTable + " (id, state, record, updated_at) VALUES (?, ?, ?, ?) " +
		"ON CONFLICT(id) DO UPDATE SET state = excluded.state, record = excluded.record, updated_at = excluded.updated_at"
}

func (s *SQLStore) Save(ctx context.Context, inst *model.Instance) error {
	data, err := encode(inst)
	if err != nil {
		return err
	}
	if _, err := s.conn.ExecCtx(ctx, s.upsertQuery(), inst.ID, string(inst.State), string(data), inst.UpdatedAt.UnixNano()); err != nil {
		return fmt.Errorf("save record %s: %w", inst.ID, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	query := "DELETE FROM " + instancesTable + " WHERE id = ?"
	if _, err := s.conn.ExecCtx(ctx, query, id); err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, id string) (*model.Instance, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var row instanceRow
	query := "SELECT id, state, record, updated_at FROM " + instancesTable + " WHERE id = ? LIMIT 1"
	if err := s.conn.QueryRowCtx(ctx, &row, query, id); err != nil {
		if db.IsNoRows(err) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("load record %s: %w", id, err)
	}
	return decode(row.ID, []byte(row.Record))
}

func (s *SQLStore) List(ctx context.Context) ([]*model.Instance, error) {
	var rows []instanceRow
	query := "SELECT id, state, record, updated_at FROM " + instancesTable + " ORDER BY id"
	if err := s.conn.QueryRowsCtx(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]*model.Instance, 0, len(rows))
	for _, row := range rows {
		inst, err := decode(row.ID, []byte(row.Record))
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

var _ Store = (*SQLStore)(nil)
