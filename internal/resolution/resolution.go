// Package resolution implements the Resolution Engine: the admin-gated
// paths that pick a winning row for an open conflict (or accept a
// custom-authored row), re-broadcast it to every backend, and mark the
// conflict RESOLVED. It also exposes the manual migration operations,
// which reuse the same upsert primitive.
//
// Grounded directly on original_source's main.py handlers
// resolve_conflict, resolve_conflict_custom, migrate_table, and
// migrate_database.
package resolution

import (
	"context"
	"strings"

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

var log = logging.For("resolution")

// Upserter is the shared select-then-insert-or-update primitive the
// Resolution Engine delegates to for every backend write. Satisfied by
// *replicator.Replicator; kept as a narrow interface here so this package
// does not import internal/replicator (which itself may in the future
// want to call back into resolution-adjacent helpers).
type Upserter interface {
	UpsertRow(ctx context.Context, target dialect.Tag, table string, row map[string]any) error
}

// Engine is the Resolution Engine.
type Engine struct {
	registry  *registry.Registry
	conflicts func(tag dialect.Tag) (*conflictstore.Store, error)
	upserter  Upserter
	notifier  notify.Notifier
}

// New returns an Engine.
func New(reg *registry.Registry, conflictStoreFor func(tag dialect.Tag) (*conflictstore.Store, error), upserter Upserter, notifier notify.Notifier) *Engine {
	return &Engine{registry: reg, conflicts: conflictStoreFor, upserter: upserter, notifier: notifier}
}

// ResolveWinner implements the winner=source / winner=target path:
// decode both snapshots, pick the chosen one, stamp it with the winner's
// tag, upsert to every backend, mark the conflict RESOLVED, and notify.
func (e *Engine) ResolveWinner(ctx context.Context, conflictID int64, winner dialect.Tag, adminIdentity string) error {
	store, err := e.conflictStore(ctx)
	if err != nil {
		return err
	}

	conflict, found, err := store.Detail(ctx, conflictID)
	if err != nil {
		return synerr.WrapTransient("resolution_detail", err)
	}
	if !found {
		return synerr.NewAdminInputErrorf("conflict %d not found", conflictID)
	}
	if conflict.Status != model.ConflictOpen {
		return synerr.NewAdminInputErrorf("conflict %d is not open", conflictID)
	}

	var chosen map[string]any
	switch winner {
	case dialect.Tag(conflict.SourceDB):
		chosen, err = conflict.SourceRow()
	case dialect.Tag(conflict.TargetDB):
		chosen, err = conflict.TargetRow()
	default:
		return synerr.NewAdminInputErrorf("winner %q is neither the conflict's source (%s) nor target (%s)", winner, conflict.SourceDB, conflict.TargetDB)
	}
	if err != nil {
		return synerr.NewSchemaMismatch(conflict.TableName, "decoding chosen row snapshot: "+err.Error())
	}

	pkCol, ok := schema.PKColumn(conflict.TableName)
	if !ok {
		return synerr.NewSchemaMismatch(conflict.TableName, "no primary key column configured")
	}
	if _, present := chosen[pkCol]; !present || chosen[pkCol] == nil {
		chosen[pkCol] = conflict.PKValue
	}
	chosen["updated_by_db"] = strings.ToUpper(string(winner))
	chosen = normalize.Row(chosen)

	if err := e.upsertToAllBackends(ctx, conflict.TableName, chosen); err != nil {
		return err
	}

	if err := store.MarkResolved(ctx, conflictID, strings.ToUpper(string(winner)), adminIdentity); err != nil {
		return err
	}
	metrics.ConflictsResolved.WithLabelValues(conflict.TableName).Inc()

	conflict.Status = model.ConflictResolved
	e.notifyResolved(ctx, conflict)
	return nil
}

// ResolveCustom implements the winner=custom path: start from the
// source snapshot, overlay the admin-provided field overrides (nulls in
// the override are ignored; only declared columns apply), require the pk
// to survive the overlay, stamp updated_by_db with the first 16 bytes of
// the admin identity (upper-cased), default row_version to at least 1,
// upsert to every backend, and mark RESOLVED with winner_db = CUSTOM.
func (e *Engine) ResolveCustom(ctx context.Context, conflictID int64, overrides map[string]any, adminIdentity string) error {
	store, err := e.conflictStore(ctx)
	if err != nil {
		return err
	}

	conflict, found, err := store.Detail(ctx, conflictID)
	if err != nil {
		return synerr.WrapTransient("resolution_detail", err)
	}
	if !found {
		return synerr.NewAdminInputErrorf("conflict %d not found", conflictID)
	}
	if conflict.Status != model.ConflictOpen {
		return synerr.NewAdminInputErrorf("conflict %d is not open", conflictID)
	}

	row, err := conflict.SourceRow()
	if err != nil {
		return synerr.NewSchemaMismatch(conflict.TableName, "decoding source row snapshot: "+err.Error())
	}

	cols, ok := schema.Columns(conflict.TableName)
	if !ok {
		return synerr.NewSchemaMismatch(conflict.TableName, "no column list configured")
	}
	declared := make(map[string]bool, len(cols))
	for _, c := range cols {
		declared[c] = true
	}
	for k, v := range overrides {
		if !declared[k] || v == nil {
			continue
		}
		row[k] = v
	}

	pkCol, ok := schema.PKColumn(conflict.TableName)
	if !ok {
		return synerr.NewSchemaMismatch(conflict.TableName, "no primary key column configured")
	}
	if _, present := row[pkCol]; !present || row[pkCol] == nil {
		return synerr.NewAdminInputErrorf("custom resolution for %s is missing its primary key %q", conflict.TableName, pkCol)
	}

	stamp := strings.ToUpper(adminIdentity)
	if len(stamp) > 16 {
		stamp = stamp[:16]
	}
	row["updated_by_db"] = stamp

	if normalize.IntOr(row["row_version"], 0) < 1 {
		row["row_version"] = 1
	}
	row = normalize.Row(row)

	if err := e.upsertToAllBackends(ctx, conflict.TableName, row); err != nil {
		return err
	}

	if err := store.MarkResolved(ctx, conflictID, model.WinnerCustom, adminIdentity); err != nil {
		return err
	}
	metrics.ConflictsResolved.WithLabelValues(conflict.TableName).Inc()

	conflict.Status = model.ConflictResolved
	e.notifyResolved(ctx, conflict)
	return nil
}

// MigrateTable reads every row from source.table and upserts it directly
// into each of targets, stamping updated_by_db with the source tag. It is
// a manual, admin-gated bulk operation, not part of the normal
// replication flow.
func (e *Engine) MigrateTable(ctx context.Context, source dialect.Tag, table string, targets []dialect.Tag) error {
	if !schema.IsSyncTable(table) {
		return synerr.NewAdminInputErrorf("table %q is not a synchronized table", table)
	}

	rows, err := e.readAll(ctx, source, table)
	if err != nil {
		return err
	}

	for _, row := range rows {
		row["updated_by_db"] = strings.ToUpper(string(source))
		row = normalize.Row(row)
		for _, target := range targets {
			if target == source {
				continue
			}
			if err := e.upserter.UpsertRow(ctx, target, table, row); err != nil {
				return err
			}
		}
	}
	return nil
}

// MigrateDatabase invokes MigrateTable for every synchronized table in
// FK-respecting order.
func (e *Engine) MigrateDatabase(ctx context.Context, source dialect.Tag, targets []dialect.Tag) error {
	for _, table := range schema.SyncTables {
		if err := e.MigrateTable(ctx, source, table, targets); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) upsertToAllBackends(ctx context.Context, table string, row map[string]any) error {
	for _, tag := range e.registry.AllTags() {
		if err := e.upserter.UpsertRow(ctx, tag, table, row); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) readAll(ctx context.Context, tag dialect.Tag, table string) ([]map[string]any, error) {
	cols, ok := schema.Columns(table)
	if !ok {
		return nil, synerr.NewSchemaMismatch(table, "no column list configured")
	}

	db, err := e.registry.Engine(ctx, tag)
	if err != nil {
		return nil, synerr.WrapTransient("open_source", err)
	}

	query := "SELECT " + strings.Join(cols, ", ") + " FROM " + table
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, synerr.WrapTransient("migrate_read_source", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, synerr.WrapTransient("migrate_scan_source", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = dest[i]
		}
		out = append(out, row)
	}
	return out, synerr.WrapTransient("migrate_iterate_source", rows.Err())
}

func (e *Engine) conflictStore(ctx context.Context) (*conflictstore.Store, error) {
	store, err := e.conflicts(e.registry.ControlTag())
	if err != nil {
		return nil, synerr.WrapTransient("open_control_store", err)
	}
	return store, nil
}

func (e *Engine) notifyResolved(ctx context.Context, conflict model.Conflict) {
	if err := e.notifier.NotifyResolved(ctx, conflict); err != nil {
		metrics.NotifierFailures.WithLabelValues("resolved").Inc()
		log.WithError(err).Warn("resolved notification failed")
	}
}
