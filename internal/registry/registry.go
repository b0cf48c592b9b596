// Package registry implements the Backend Registry: a process-wide,
// lazily-populated map from backend tag to a pooled *sql.DB, plus the
// uniform query surface the rest of the system uses to reach any backend
// without caring which driver backs it.
//
// Grounded on the teacher's internal/util/stdpool (one Open* function per
// product, registering the driver via a blank import) and its note in
// spec §9 that "global mutable state... becomes a (name -> pool) map
// behind a one-time initializer per backend."
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"   // registers the "mysql" driver
	_ "github.com/lib/pq"                // registers the "postgres" driver
	_ "github.com/microsoft/go-mssqldb" // registers the "sqlserver" driver
	"github.com/pkg/errors"

	"github.com/dbmesh/replifabric/internal/config"
	"github.com/dbmesh/replifabric/internal/dialect"
	"github.com/dbmesh/replifabric/internal/synerr"
)

// Registry opens and caches one connection pool per backend tag. Pools
// are opened on first request and never closed until the process shuts
// down (Close is provided for that final step only).
type Registry struct {
	cfg *config.Config

	mu    sync.Mutex
	pools map[dialect.Tag]*sql.DB

	// openFn lets tests substitute a different driver/DSN (e.g. an
	// in-memory sqlite stand-in) for a given tag without touching
	// production dial logic.
	openFn func(tag dialect.Tag) (*sql.DB, error)
}

// New returns a Registry that will lazily dial real backends described by
// cfg using their native drivers.
func New(cfg *config.Config) *Registry {
	r := &Registry{cfg: cfg, pools: make(map[dialect.Tag]*sql.DB)}
	r.openFn = r.dial
	return r
}

// NewWithOpener returns a Registry that delegates pool creation to open,
// for use in tests that stand in an embedded database for a production
// backend.
func NewWithOpener(cfg *config.Config, open func(tag dialect.Tag) (*sql.DB, error)) *Registry {
	return &Registry{cfg: cfg, pools: make(map[dialect.Tag]*sql.DB), openFn: open}
}

// AllTags returns the fixed three backend tags in canonical order.
func (r *Registry) AllTags() []dialect.Tag {
	out := make([]dialect.Tag, len(dialect.CanonicalTags))
	copy(out, dialect.CanonicalTags)
	return out
}

// ControlTag returns the tag designated to hold conflicts and user
// accounts.
func (r *Registry) ControlTag() dialect.Tag {
	return r.cfg.ControlDB
}

// Engine returns the pooled connection for tag, opening it on first
// access. Concurrent first-access from multiple goroutines is safe: the
// mutex serializes the insert-on-miss path.
func (r *Registry) Engine(ctx context.Context, tag dialect.Tag) (*sql.DB, error) {
	if _, ok := dialect.For(tag); !ok {
		return nil, synerr.NewConfigErrorf("unknown backend tag %q", tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.pools[tag]; ok {
		return db, nil
	}

	db, err := r.openFn(tag)
	if err != nil {
		return nil, errors.Wrapf(err, "opening pool for backend %q", tag)
	}
	r.pools[tag] = db
	return db, nil
}

// Dialect returns the Dialect registered for tag.
func (r *Registry) Dialect(tag dialect.Tag) (dialect.Dialect, error) {
	d, ok := dialect.For(tag)
	if !ok {
		return nil, synerr.NewConfigErrorf("unknown backend tag %q", tag)
	}
	return d, nil
}

// Close closes every opened pool. Intended for process shutdown only;
// pools are otherwise process-wide and never closed mid-run.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for tag, db := range r.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing pool for backend %q", tag)
		}
	}
	return firstErr
}

func (r *Registry) dial(tag dialect.Tag) (*sql.DB, error) {
	bc, ok := r.cfg.Backends[tag]
	if !ok {
		return nil, synerr.NewConfigErrorf("no connection settings for backend %q", tag)
	}

	d, ok := dialect.For(tag)
	if !ok {
		return nil, synerr.NewConfigErrorf("unknown backend tag %q", tag)
	}

	driverName, dsn := dsnFor(d.Product(), bc)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	db.SetMaxOpenConns(16)
	return db, nil
}

func dsnFor(product dialect.Product, bc config.BackendConn) (driverName, dsn string) {
	switch product {
	case dialect.ProductPostgres:
		return "postgres", fmt.Sprintf(
			"host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
			bc.Host, bc.Port, bc.Database, bc.User, bc.Password)
	case dialect.ProductMySQL:
		return "mysql", fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
			bc.User, bc.Password, bc.Host, bc.Port, bc.Database)
	case dialect.ProductSQLServer:
		return "sqlserver", fmt.Sprintf(
			"sqlserver://%s:%s@%s:%d?database=%s",
			bc.User, bc.Password, bc.Host, bc.Port, bc.Database)
	default:
		return "", ""
	}
}
