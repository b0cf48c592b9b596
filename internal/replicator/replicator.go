// Package replicator implements the Replicator: for one change event, it
// applies the row to every other backend, detects conflicts, records
// them in the control store, and requests a best-effort notification.
//
// Grounded directly on original_source's sync/replicator.py
// (apply_change_to_targets) and, for the hand-built INSERT/UPDATE SQL, on
// the teacher's sink.go (Sink.upsertRow/deleteRow).
package replicator

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dbmesh/replifabric/internal/conflictstore"
	"github.com/dbmesh/replifabric/internal/dialect"
	"github.com/dbmesh/replifabric/internal/model"
	"github.com/dbmesh/replifabric/internal/normalize"
	"github.com/dbmesh/replifabric/internal/notify"
	"github.com/dbmesh/replifabric/internal/obs/logging"
	"github.com/dbmesh/replifabric/internal/obs/metrics"
	"github.com/dbmesh/replifabric/internal/registry"
	"github.com/dbmesh/replifabric/internal/schema"
	"github.com/dbmesh/replifabric/internal/synerr"
)

var log = logging.For("replicator")

// Replicator applies change events from one backend to every other
// backend, detecting and recording conflicts as it goes.
type Replicator struct {
	registry  *registry.Registry
	conflicts func(tag dialect.Tag) (*conflictstore.Store, error)
	notifier  notify.Notifier
}

// New returns a Replicator. conflictStoreFor resolves the control
// backend's Store lazily (it needs a *sql.DB obtained through the
// Registry, which the caller already owns).
func New(reg *registry.Registry, conflictStoreFor func(tag dialect.Tag) (*conflictstore.Store, error), notifier notify.Notifier) *Replicator {
	return &Replicator{registry: reg, conflicts: conflictStoreFor, notifier: notifier}
}

// ApplyChange is the Replicator's entry point: apply_change(source_tag,
// change_row) from spec §4.4.
func (r *Replicator) ApplyChange(ctx context.Context, sourceTag dialect.Tag, change model.ChangeLogRow) error {
	table := change.TableName
	if !schema.IsSyncTable(table) {
		// Unknown table: reject silently, per spec step 1.
		return nil
	}

	incoming, err := change.Row()
	if err != nil {
		return synerr.NewSchemaMismatch(table, "row_data is not valid JSON: "+err.Error())
	}

	incomingVer := normalize.IntOr(incoming["row_version"], 1)

	incoming = normalize.Row(incoming)
	pkCol, ok := schema.PKColumn(table)
	if !ok {
		return synerr.NewSchemaMismatch(table, "no primary key column configured")
	}
	if _, present := incoming[pkCol]; !present || incoming[pkCol] == nil {
		incoming[pkCol] = change.PKValue
	}
	// Stamping the source tag is what prevents echo loops: a target's
	// write trigger that sees a foreign tag suppresses its own
	// change_log emission for that write.
	incoming["updated_by_db"] = strings.ToUpper(string(sourceTag))

	for _, targetTag := range r.registry.AllTags() {
		if targetTag == sourceTag {
			continue
		}
		if err := r.applyToTarget(ctx, sourceTag, targetTag, table, pkCol, change, incoming, incomingVer); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replicator) applyToTarget(
	ctx context.Context,
	sourceTag, targetTag dialect.Tag,
	table, pkCol string,
	change model.ChangeLogRow,
	incoming map[string]any,
	incomingVer int,
) error {
	start := time.Now()
	defer func() {
		metrics.ApplyDuration.WithLabelValues(string(targetTag)).Observe(time.Since(start).Seconds())
	}()

	targetDB, err := r.registry.Engine(ctx, targetTag)
	if err != nil {
		return synerr.WrapTransient("open_target", err)
	}
	targetDialect, err := r.registry.Dialect(targetTag)
	if err != nil {
		return err
	}

	tx, err := targetDB.BeginTx(ctx, nil)
	if err != nil {
		return synerr.WrapTransient("begin_target_tx", errors.WithStack(err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	existing, found, err := selectByPK(ctx, tx, targetDialect, table, pkCol, change.PKValue)
	if err != nil {
		return synerr.WrapTransient("select_target_row", err)
	}

	if !found {
		if change.OpType == model.OpInsert || change.OpType == model.OpUpdate {
			if err := insertRow(ctx, tx, targetDialect, table, incoming); err != nil {
				return synerr.WrapTransient("insert_target_row", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return synerr.WrapTransient("commit_target_tx", errors.WithStack(err))
		}
		committed = true
		metrics.ChangesApplied.WithLabelValues(string(targetTag)).Inc()
		return nil
	}

	targetVer := normalize.IntOr(existing["row_version"], 1)
	targetStamp := strings.ToUpper(stringOr(existing["updated_by_db"], ""))

	if targetVer > incomingVer && targetStamp != strings.ToUpper(string(sourceTag)) {
		// Conflict: the target moved forward independently of the
		// source. Commit the (no-op) target transaction, record the
		// conflict on the control backend in its own transaction, fire
		// a best-effort notification, and do not apply.
		if err := tx.Commit(); err != nil {
			return synerr.WrapTransient("commit_target_tx", errors.WithStack(err))
		}
		committed = true

		if err := r.recordConflict(ctx, table, change.PKValue, sourceTag, targetTag, incoming, existing); err != nil {
			return err
		}
		metrics.ConflictsDetected.WithLabelValues(table).Inc()
		return nil
	}

	if change.OpType == model.OpInsert || change.OpType == model.OpUpdate {
		if err := updateRow(ctx, tx, targetDialect, table, pkCol, incoming); err != nil {
			return synerr.WrapTransient("update_target_row", err)
		}
	}
	// OpDelete is a documented no-op in normal flow (spec §4.4 step g);
	// deletes are not synchronized because no trigger emits them.

	if err := tx.Commit(); err != nil {
		return synerr.WrapTransient("commit_target_tx", errors.WithStack(err))
	}
	committed = true
	metrics.ChangesApplied.WithLabelValues(string(targetTag)).Inc()
	return nil
}

func (r *Replicator) recordConflict(
	ctx context.Context,
	table, pkValue string,
	sourceTag, targetTag dialect.Tag,
	incoming, existing map[string]any,
) error {
	controlTag := r.registry.ControlTag()
	store, err := r.conflicts(controlTag)
	if err != nil {
		return synerr.WrapTransient("open_control_store", err)
	}

	conflictID, err := store.RecordConflict(ctx, conflictstore.RecordConflictParams{
		Table:     table,
		PKValue:   pkValue,
		SourceDB:  strings.ToUpper(string(sourceTag)),
		TargetDB:  strings.ToUpper(string(targetTag)),
		SourceRow: incoming,
		TargetRow: existing,
	})
	if err != nil {
		return synerr.WrapTransient("record_conflict", err)
	}

	conflict, found, err := store.Detail(ctx, conflictID)
	if err != nil || !found {
		log.WithField("conflict_id", conflictID).Warn("could not re-read conflict for notification; notifying best-effort with partial data")
		conflict = model.Conflict{
			ConflictID: conflictID,
			TableName:  table,
			PKValue:    pkValue,
			SourceDB:   strings.ToUpper(string(sourceTag)),
			TargetDB:   strings.ToUpper(string(targetTag)),
		}
	}

	// Notification failures are swallowed: they must never block apply.
	if err := r.notifier.NotifyConflict(ctx, conflict); err != nil {
		metrics.NotifierFailures.WithLabelValues("conflict").Inc()
		log.WithError(err).Warn("conflict notification failed")
	}
	return nil
}

// UpsertRow is the select-then-insert-or-update primitive used by the
// Resolution Engine's resolve/migrate paths. It shares selectByPK,
// insertRow and updateRow with applyToTarget, which calls those helpers
// directly rather than UpsertRow, mirroring original_source's shared
// _insert_row/_update_row helpers used from both replicator.py and main.py.
func (r *Replicator) UpsertRow(ctx context.Context, targetTag dialect.Tag, table string, row map[string]any) error {
	pkCol, ok := schema.PKColumn(table)
	if !ok {
		return synerr.NewSchemaMismatch(table, "no primary key column configured")
	}
	pkValue := stringOr(row[pkCol], "")
	if pkValue == "" {
		return synerr.NewAdminInputErrorf("row for table %q is missing its primary key %q", table, pkCol)
	}

	targetDB, err := r.registry.Engine(ctx, targetTag)
	if err != nil {
		return synerr.WrapTransient("open_target", err)
	}
	targetDialect, err := r.registry.Dialect(targetTag)
	if err != nil {
		return err
	}

	tx, err := targetDB.BeginTx(ctx, nil)
	if err != nil {
		return synerr.WrapTransient("begin_target_tx", errors.WithStack(err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	_, found, err := selectByPK(ctx, tx, targetDialect, table, pkCol, pkValue)
	if err != nil {
		return synerr.WrapTransient("select_target_row", err)
	}

	if found {
		if err := updateRow(ctx, tx, targetDialect, table, pkCol, row); err != nil {
			return synerr.WrapTransient("update_target_row", err)
		}
	} else {
		if err := insertRow(ctx, tx, targetDialect, table, row); err != nil {
			return synerr.WrapTransient("insert_target_row", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return synerr.WrapTransient("commit_target_tx", errors.WithStack(err))
	}
	committed = true
	return nil
}

func selectByPK(ctx context.Context, tx *sql.Tx, d dialect.Dialect, table, pkCol, pkValue string) (map[string]any, bool, error) {
	cols, ok := schema.Columns(table)
	if !ok {
		return nil, false, synerr.NewSchemaMismatch(table, "no column list configured")
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s", strings.Join(cols, ", "), table, pkCol, d.Placeholder(1))
	row := tx.QueryRowContext(ctx, query, pkValue)

	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, errors.WithStack(err)
	}

	result := make(map[string]any, len(cols))
	for i, c := range cols {
		result[c] = dest[i]
	}
	return result, true, nil
}

func insertRow(ctx context.Context, tx *sql.Tx, d dialect.Dialect, table string, row map[string]any) error {
	cols, ok := schema.Columns(table)
	if !ok {
		return synerr.NewSchemaMismatch(table, "no column list configured")
	}

	placeholders := make([]string, len(cols))
	values := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = d.Placeholder(i + 1)
		values[i] = row[c]
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := tx.ExecContext(ctx, stmt, values...)
	return errors.WithStack(err)
}

func updateRow(ctx context.Context, tx *sql.Tx, d dialect.Dialect, table, pkCol string, row map[string]any) error {
	cols, ok := schema.Columns(table)
	if !ok {
		return synerr.NewSchemaMismatch(table, "no column list configured")
	}

	var sets []string
	var values []any
	idx := 1
	for _, c := range cols {
		if c == pkCol {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", c, d.Placeholder(idx)))
		values = append(values, row[c])
		idx++
	}
	values = append(values, row[pkCol])

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", table, strings.Join(sets, ", "), pkCol, d.Placeholder(idx))
	_, err := tx.ExecContext(ctx, stmt, values...)
	return errors.WithStack(err)
}

func stringOr(v any, def string) string {
	if v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
