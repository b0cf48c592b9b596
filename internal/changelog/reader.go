// Package changelog implements the Change Log Reader: it pulls an
// ordered, bounded batch of unprocessed rows from a single backend's
// change_log table, and marks entries processed once the Replicator has
// fanned them out successfully.
package changelog

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/dbmesh/replifabric/internal/dialect"
	"github.com/dbmesh/replifabric/internal/model"
	"github.com/dbmesh/replifabric/internal/obs/logging"
	"github.com/dbmesh/replifabric/internal/synerr"
)

var log = logging.For("changelog")

// FetchBatch returns up to batchSize unprocessed change_log rows from db,
// ordered ascending by change_id. db is queried with d's dialect-correct
// row-limiting clause. On any fetch error, FetchBatch logs and returns an
// empty batch rather than propagating: the worker loop simply retries on
// the next tick (spec §4.2).
func FetchBatch(ctx context.Context, db *sql.DB, d dialect.Dialect, batchSize int) []model.ChangeLogRow {
	query, args := d.FetchUnprocessedSQL(batchSize)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		log.WithError(err).WithField("backend", d.Tag()).Warn("fetch unprocessed change_log rows failed")
		return nil
	}
	defer rows.Close()

	var out []model.ChangeLogRow
	for rows.Next() {
		var row model.ChangeLogRow
		var opType string
		if err := rows.Scan(
			&row.ChangeID, &row.TableName, &row.PKValue, &opType,
			&row.RowData, &row.SourceDB, &row.CreatedAt,
		); err != nil {
			log.WithError(err).WithField("backend", d.Tag()).Warn("scan change_log row failed")
			return nil
		}
		row.OpType = model.OpType(opType)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		log.WithError(err).WithField("backend", d.Tag()).Warn("iterate change_log rows failed")
		return nil
	}
	return out
}

// MarkProcessed flips processed=1 and stamps processed_at for changeID on
// db. This is the only place that ever mutates a change_log row's
// processed flag, which is what lets a single-instance worker avoid
// distributed locking on the table (spec §5).
func MarkProcessed(ctx context.Context, db *sql.DB, d dialect.Dialect, changeID int64) error {
	stmt := `UPDATE change_log SET processed = 1, processed_at = CURRENT_TIMESTAMP WHERE change_id = ` + d.Placeholder(1)
	if _, err := db.ExecContext(ctx, stmt, changeID); err != nil {
		return synerr.WrapTransient("mark_processed", errors.WithStack(err))
	}
	return nil
}
