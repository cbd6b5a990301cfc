package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sage-x-project/m2m/internal/m2merr"
)

// PostgresConfig names the connection parameters for the SQL-backed store.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// PostgresStore is a Store backed by a `agents` table, queried through a
// pgxpool connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createAgentsTable = `
CREATE TABLE IF NOT EXISTS agents (
	id            TEXT PRIMARY KEY,
	address       TEXT NOT NULL,
	capabilities  TEXT[] NOT NULL DEFAULT '{}',
	metadata      JSONB NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL,
	last_seen     TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents (status);
CREATE INDEX IF NOT EXISTS idx_agents_capabilities ON agents USING GIN (capabilities);
`

// NewPostgresStore dials cfg, verifies connectivity, and ensures the
// agents table exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	connString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, m2merr.Config("failed to create postgres pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, m2merr.Config("failed to ping postgres", err)
	}
	if _, err := pool.Exec(ctx, createAgentsTable); err != nil {
		pool.Close()
		return nil, m2merr.Config("failed to create agents table", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, agent *Agent) error {
	metadata, err := json.Marshal(agent.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agents (id, address, capabilities, metadata, status, last_seen, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		agent.ID, agent.Address, agent.Capabilities, metadata, string(agent.Status), agent.LastSeen, agent.CreatedAt)
	if err != nil {
		return m2merr.Registry("failed to insert agent", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, address, capabilities, metadata, status, last_seen, created_at
		 FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	var status string
	var metadata []byte
	if err := row.Scan(&a.ID, &a.Address, &a.Capabilities, &metadata, &status, &a.LastSeen, &a.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, m2merr.ErrAgentNotFound
		}
		return nil, m2merr.Registry("failed to scan agent", err)
	}
	a.Status = Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &a, nil
}

func (s *PostgresStore) Touch(ctx context.Context, id string, status Status, metadataDelta map[string]string) error {
	if metadataDelta == nil {
		metadataDelta = map[string]string{}
	}
	delta, err := json.Marshal(metadataDelta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata delta: %w", err)
	}
	// A record inserted with nil metadata holds a JSON null, which jsonb ||
	// would turn into an array; merge onto an empty object instead.
	result, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $1, last_seen = now(), metadata = COALESCE(NULLIF(metadata, 'null'::jsonb), '{}'::jsonb) || $2::jsonb WHERE id = $3`,
		string(status), delta, id)
	if err != nil {
		return m2merr.Registry("failed to touch agent", err)
	}
	if result.RowsAffected() == 0 {
		return m2merr.ErrAgentNotFound
	}
	return nil
}

func (s *PostgresStore) SetOffline(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $1, last_seen = now() WHERE id = $2`, string(StatusOffline), id)
	if err != nil {
		return m2merr.Registry("failed to set agent offline", err)
	}
	if result.RowsAffected() == 0 {
		return m2merr.ErrAgentNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Agent, int, error) {
	filter = filter.Normalize()

	where := "WHERE ($1 = '' OR id != $1) AND ($2 = '' OR status = $2) AND (cardinality($3::text[]) = 0 OR capabilities && $3::text[])"
	statusArg := ""
	if filter.Status != nil {
		statusArg = string(*filter.Status)
	}
	caps := filter.Capabilities
	if caps == nil {
		caps = []string{}
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM agents "+where, filter.ExcludeID, statusArg, caps).Scan(&total); err != nil {
		return nil, 0, m2merr.Registry("failed to count agents", err)
	}

	order := "ASC"
	if filter.OrderDesc {
		order = "DESC"
	}
	query := fmt.Sprintf(
		`SELECT id, address, capabilities, metadata, status, last_seen, created_at
		 FROM agents %s ORDER BY last_seen %s LIMIT $4 OFFSET $5`, where, order)

	rows, err := s.pool.Query(ctx, query, filter.ExcludeID, statusArg, caps, filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, m2merr.Registry("failed to list agents", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, err
		}
		agents = append(agents, a)
	}
	return agents, total, rows.Err()
}

func (s *PostgresStore) SweepToIdle(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE agents SET status = $1 WHERE status = $2 AND last_seen < $3 RETURNING id`,
		string(StatusIdle), string(StatusOnline), before)
	if err != nil {
		return nil, m2merr.Registry("failed to sweep to idle", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (s *PostgresStore) SweepToOffline(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE agents SET status = $1 WHERE status = $2 AND last_seen < $3 RETURNING id`,
		string(StatusOffline), string(StatusIdle), before)
	if err != nil {
		return nil, m2merr.Registry("failed to sweep to offline", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, m2merr.Registry("failed to count by status", err)
	}
	defer rows.Close()

	counts := map[Status]int{StatusOnline: 0, StatusIdle: 0, StatusOffline: 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
