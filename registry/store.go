package registry

import (
	"context"
	"time"
)

// Store is the persistence contract the hub's business logic is built
// against. Either an in-memory or a SQL-backed implementation may satisfy
// it, per the spec's "any store supporting primary-key lookup, filtered
// scan with pagination, set-containment" requirement.
type Store interface {
	// Insert adds a brand-new record. The caller guarantees ID uniqueness
	// (minted fresh per registration).
	Insert(ctx context.Context, agent *Agent) error

	// Get returns the record for id, or m2merr.ErrAgentNotFound.
	Get(ctx context.Context, id string) (*Agent, error)

	// Touch refreshes last_seen and sets status, merging metadata deltas
	// (nil deltas leave metadata untouched). Returns m2merr.ErrAgentNotFound
	// if id is unknown.
	Touch(ctx context.Context, id string, status Status, metadataDelta map[string]string) error

	// SetOffline transitions id directly to offline, e.g. on explicit
	// disconnect or control-socket close.
	SetOffline(ctx context.Context, id string) error

	// List returns the records matching filter (post-pagination) and the
	// total count of records matching filter before pagination was applied.
	List(ctx context.Context, filter Filter) (agents []*Agent, total int, err error)

	// SweepToIdle transitions every online record with last_seen older
	// than before to idle, returning the affected ids.
	SweepToIdle(ctx context.Context, before time.Time) ([]string, error)

	// SweepToOffline transitions every idle record with last_seen older
	// than before to offline, returning the affected ids.
	SweepToOffline(ctx context.Context, before time.Time) ([]string, error)

	// CountByStatus returns the number of records in each status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// Close releases any underlying resources (connection pool, etc).
	Close() error
}
