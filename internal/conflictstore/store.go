// Package conflictstore implements the Conflict Store: the control
// backend's conflicts table and its OPEN -> RESOLVED lifecycle.
//
// Grounded on original_source's _record_conflict (insert then re-query
// the newest OPEN row for (table, pk) to recover its id) and the
// /conflicts, /conflicts/{id} handlers in main.py.
package conflictstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/dbmesh/replifabric/internal/dialect"
	"github.com/dbmesh/replifabric/internal/model"
	"github.com/dbmesh/replifabric/internal/synerr"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS conflicts (
	conflict_id %s,
	table_name VARCHAR(64) NOT NULL,
	pk_value VARCHAR(255) NOT NULL,
	source_db VARCHAR(16) NOT NULL,
	target_db VARCHAR(16) NOT NULL,
	source_row_data TEXT NOT NULL,
	target_row_data TEXT NOT NULL,
	status VARCHAR(16) NOT NULL DEFAULT 'OPEN',
	winner_db VARCHAR(16),
	resolved_by VARCHAR(255),
	resolved_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// Store is the conflicts table on the control backend.
type Store struct {
	db *sql.DB
	d  dialect.Dialect
}

// New returns a Store backed by db using d's placeholder style.
func New(db *sql.DB, d dialect.Dialect) *Store {
	return &Store{db: db, d: d}
}

// EnsureSchema creates the conflicts table if it does not already exist.
// autoIncrementClause is dialect-specific DDL (e.g. "SERIAL PRIMARY KEY"
// vs "INT IDENTITY(1,1) PRIMARY KEY") and is left to the caller so this
// package does not need to special-case every product's DDL dialect.
func (s *Store) EnsureSchema(ctx context.Context, autoIncrementClause string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(schemaDDL, autoIncrementClause))
	return errors.WithStack(err)
}

// RecordConflictParams bundles the inputs to RecordConflict.
type RecordConflictParams struct {
	Table     string
	PKValue   string
	SourceDB  string
	TargetDB  string
	SourceRow map[string]any
	TargetRow map[string]any
}

func encodeRow(row map[string]any) ([]byte, error) {
	// time.Time values marshal to RFC3339 by default via encoding/json,
	// which matches original_source's isoformat() convention; anything
	// encoding/json cannot represent natively (e.g. a driver-specific
	// numeric type) falls back to its %v string form, mirroring
	// _json_default's str(x) catch-all.
	sanitized := make(map[string]any, len(row))
	for k, v := range row {
		switch v.(type) {
		case nil, bool, string, float32, float64, int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64, time.Time, map[string]any, []any:
			sanitized[k] = v
		default:
			sanitized[k] = fmt.Sprintf("%v", v)
		}
	}
	return json.Marshal(sanitized)
}

// RecordConflict inserts an OPEN conflict row and returns its conflict_id,
// recovered the same way original_source does: insert, then select the
// newest OPEN row for (table, pk).
func (s *Store) RecordConflict(ctx context.Context, p RecordConflictParams) (int64, error) {
	srcJSON, err := encodeRow(p.SourceRow)
	if err != nil {
		return 0, errors.Wrap(err, "encoding source row snapshot")
	}
	tgtJSON, err := encodeRow(p.TargetRow)
	if err != nil {
		return 0, errors.Wrap(err, "encoding target row snapshot")
	}

	insert := fmt.Sprintf(`INSERT INTO conflicts
		(table_name, pk_value, source_db, target_db, source_row_data, target_row_data, status)
		VALUES (%s, %s, %s, %s, %s, %s, 'OPEN')`,
		s.d.Placeholder(1), s.d.Placeholder(2), s.d.Placeholder(3),
		s.d.Placeholder(4), s.d.Placeholder(5), s.d.Placeholder(6))

	if _, err := s.db.ExecContext(ctx, insert,
		p.Table, p.PKValue, p.SourceDB, p.TargetDB, string(srcJSON), string(tgtJSON),
	); err != nil {
		return 0, synerr.WrapTransient("record_conflict_insert", errors.WithStack(err))
	}

	query := fmt.Sprintf(`SELECT conflict_id FROM conflicts
		WHERE table_name = %s AND pk_value = %s AND status = 'OPEN'
		ORDER BY conflict_id DESC`, s.d.Placeholder(1), s.d.Placeholder(2))

	rows, err := s.db.QueryContext(ctx, query, p.Table, p.PKValue)
	if err != nil {
		return 0, synerr.WrapTransient("record_conflict_requery", errors.WithStack(err))
	}
	defer rows.Close()

	var id int64
	if rows.Next() {
		if err := rows.Scan(&id); err != nil {
			return 0, errors.WithStack(err)
		}
	} else {
		return 0, errors.New("record_conflict: inserted row not found on requery")
	}
	return id, nil
}

// ListOpen returns every conflict with status OPEN.
func (s *Store) ListOpen(ctx context.Context) ([]model.Conflict, error) {
	return s.list(ctx, model.ConflictOpen)
}

// List returns every conflict with the given status.
func (s *Store) List(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error) {
	return s.list(ctx, status)
}

func (s *Store) list(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error) {
	query := fmt.Sprintf(`SELECT conflict_id, table_name, pk_value, source_db, target_db,
		source_row_data, target_row_data, status, winner_db, resolved_by, resolved_at, created_at
		FROM conflicts WHERE status = %s ORDER BY conflict_id DESC`, s.d.Placeholder(1))

	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, synerr.WrapTransient("list_conflicts", errors.WithStack(err))
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, errors.WithStack(rows.Err())
}

// Detail returns a single conflict by id.
func (s *Store) Detail(ctx context.Context, id int64) (model.Conflict, bool, error) {
	query := fmt.Sprintf(`SELECT conflict_id, table_name, pk_value, source_db, target_db,
		source_row_data, target_row_data, status, winner_db, resolved_by, resolved_at, created_at
		FROM conflicts WHERE conflict_id = %s`, s.d.Placeholder(1))

	row := s.db.QueryRowContext(ctx, query, id)
	c, err := scanConflictRow(row)
	if err == sql.ErrNoRows {
		return model.Conflict{}, false, nil
	}
	if err != nil {
		return model.Conflict{}, false, synerr.WrapTransient("conflict_detail", errors.WithStack(err))
	}
	return c, true, nil
}

// MarkResolved transitions a conflict to RESOLVED, recording the winner
// and resolver identity.
func (s *Store) MarkResolved(ctx context.Context, id int64, winnerDB, resolvedBy string) error {
	stmt := fmt.Sprintf(`UPDATE conflicts
		SET status = 'RESOLVED', winner_db = %s, resolved_by = %s, resolved_at = CURRENT_TIMESTAMP
		WHERE conflict_id = %s`, s.d.Placeholder(1), s.d.Placeholder(2), s.d.Placeholder(3))

	res, err := s.db.ExecContext(ctx, stmt, winnerDB, resolvedBy, id)
	if err != nil {
		return synerr.WrapTransient("mark_resolved", errors.WithStack(err))
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return synerr.NewAdminInputErrorf("conflict %d not found", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConflict(rows *sql.Rows) (model.Conflict, error) {
	return scanConflictRow(rows)
}

func scanConflictRow(r scanner) (model.Conflict, error) {
	var c model.Conflict
	var status string
	var srcJSON, tgtJSON []byte
	if err := r.Scan(
		&c.ConflictID, &c.TableName, &c.PKValue, &c.SourceDB, &c.TargetDB,
		&srcJSON, &tgtJSON, &status, &c.WinnerDB, &c.ResolvedBy, &c.ResolvedAt, &c.CreatedAt,
	); err != nil {
		return model.Conflict{}, err
	}
	c.Status = model.ConflictStatus(status)
	c.SourceRowData = srcJSON
	c.TargetRowData = tgtJSON
	return c, nil
}
