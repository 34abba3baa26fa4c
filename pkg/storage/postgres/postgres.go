// Package postgres provides PostgreSQL implementations of the catalog and
// audit stores. It uses pgx/v5 for connection pooling; endpoint auth
// configuration is stored as JSONB.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/dynapi/pkg/audit"
	"github.com/rhuss/dynapi/pkg/catalog"
	"github.com/rhuss/dynapi/pkg/debug"
	"github.com/rhuss/dynapi/pkg/storage"
)

var (
	_ catalog.EndpointStore   = (*Store)(nil)
	_ catalog.CredentialStore = (*Store)(nil)
	_ audit.Store             = (*Store)(nil)
	_ audit.Counter           = (*Store)(nil)
	_ audit.Reporter          = (*Store)(nil)
	_ audit.UsageToucher      = (*Store)(nil)
)

// Store is a PostgreSQL-backed catalog and audit store.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool, timeout: cfg.QueryTimeout}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

func (s *Store) withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

const endpointColumns = `id, name, description, auth_scheme, rate_limit_per_minute,
	timeout_ms, active, public, auth_config`

func scanEndpoint(row pgx.Row) (*catalog.Endpoint, error) {
	var (
		ep        catalog.Endpoint
		scheme    string
		timeoutMS int64
		config    []byte
	)
	if err := row.Scan(&ep.ID, &ep.Name, &ep.Description, &scheme, &ep.RateLimitPerMinute,
		&timeoutMS, &ep.Active, &ep.Public, &config); err != nil {
		return nil, err
	}
	ep.Scheme = catalog.Scheme(scheme)
	ep.Timeout = time.Duration(timeoutMS) * time.Millisecond
	ep.AuthConfig = config
	return &ep, nil
}

// PutEndpoint inserts or replaces an endpoint.
func (s *Store) PutEndpoint(ctx context.Context, ep *catalog.Endpoint) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO endpoints (`+endpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			auth_scheme = EXCLUDED.auth_scheme,
			rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
			timeout_ms = EXCLUDED.timeout_ms,
			active = EXCLUDED.active,
			public = EXCLUDED.public,
			auth_config = EXCLUDED.auth_config
	`,
		ep.ID, ep.Name, ep.Description, string(ep.Scheme), ep.RateLimitPerMinute,
		ep.Timeout.Milliseconds(), ep.Active, ep.Public, nullJSON(ep.AuthConfig),
	)
	if err != nil {
		return fmt.Errorf("upserting endpoint %d: %w", ep.ID, err)
	}
	return nil
}

// GetEndpoint implements catalog.EndpointStore.
func (s *Store) GetEndpoint(ctx context.Context, id int64) (*catalog.Endpoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ep, err := scanEndpoint(s.pool.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying endpoint %d: %w", id, err)
	}
	return ep, nil
}

// ListActiveEndpoints implements catalog.EndpointStore.
func (s *Store) ListActiveEndpoints(ctx context.Context) ([]*catalog.Endpoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing endpoints: %w", err)
	}
	defer rows.Close()

	var out []*catalog.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning endpoint: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// PutCredential inserts a credential and returns its id. A non-zero ID is
// used as given; a taken ID yields storage.ErrConflict.
func (s *Store) PutCredential(ctx context.Context, c *catalog.Credential) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	var id int64
	var err error
	if c.ID == 0 {
		err = s.pool.QueryRow(ctx, `
			INSERT INTO credentials (endpoint_id, auth_scheme, name, secret_hash, created_at, expires_at, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, c.EndpointID, string(c.Scheme), c.Name, c.SecretHash, created, c.ExpiresAt, c.Active).Scan(&id)
	} else {
		err = s.pool.QueryRow(ctx, `
			INSERT INTO credentials (id, endpoint_id, auth_scheme, name, secret_hash, created_at, expires_at, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, c.ID, c.EndpointID, string(c.Scheme), c.Name, c.SecretHash, created, c.ExpiresAt, c.Active).Scan(&id)
	}
	if err != nil {
		if isDuplicateKey(err) {
			return 0, storage.ErrConflict
		}
		return 0, fmt.Errorf("inserting credential: %w", err)
	}

	if c.ID != 0 {
		// Keep the serial ahead of explicitly assigned ids.
		if _, err := s.pool.Exec(ctx, `
			SELECT setval(pg_get_serial_sequence('credentials', 'id'),
			              (SELECT max(id) FROM credentials))
		`); err != nil {
			return 0, fmt.Errorf("advancing credential sequence: %w", err)
		}
	}
	return id, nil
}

// FindCredential implements catalog.CredentialStore.
func (s *Store) FindCredential(ctx context.Context, scheme catalog.Scheme, secret string, endpointID int64) (*catalog.Credential, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var c catalog.Credential
	var sc string
	err := s.pool.QueryRow(ctx, `
		SELECT id, endpoint_id, auth_scheme, name, secret_hash, created_at,
		       expires_at, last_used_at, usage_count, active
		FROM credentials
		WHERE auth_scheme = $1 AND secret_hash = $2 AND endpoint_id = $3
		  AND active AND (expires_at IS NULL OR expires_at > now())
		LIMIT 1
	`, string(scheme), catalog.HashSecret(secret), endpointID).Scan(
		&c.ID, &c.EndpointID, &sc, &c.Name, &c.SecretHash, &c.CreatedAt,
		&c.ExpiresAt, &c.LastUsedAt, &c.UsageCount, &c.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}
	c.Scheme = catalog.Scheme(sc)
	return &c, nil
}

// TouchUsage implements catalog.CredentialStore.
func (s *Store) TouchUsage(ctx context.Context, credentialID int64, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.pool.Exec(ctx, `
		UPDATE credentials SET usage_count = usage_count + 1, last_used_at = $2
		WHERE id = $1
	`, credentialID, at)
	if err != nil {
		return fmt.Errorf("touching credential %d: %w", credentialID, err)
	}
	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListCredentialHealth implements catalog.CredentialStore.
func (s *Store) ListCredentialHealth(ctx context.Context, now time.Time, within time.Duration) ([]catalog.CredentialHealth, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, endpoint_id, name, auth_scheme, expires_at, last_used_at
		FROM credentials
		WHERE active AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at, id
	`, now.Add(within))
	if err != nil {
		return nil, fmt.Errorf("listing credential health: %w", err)
	}
	defer rows.Close()

	var out []catalog.CredentialHealth
	for rows.Next() {
		var h catalog.CredentialHealth
		var sc string
		if err := rows.Scan(&h.ID, &h.EndpointID, &h.Name, &sc, &h.ExpiresAt, &h.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scanning credential health: %w", err)
		}
		h.Scheme = catalog.Scheme(sc)
		h.Expired = !now.Before(*h.ExpiresAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// Append implements audit.Store.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (
			kind, request_id, endpoint_id, credential_id, auth_scheme, environment,
			parameters, success, status_code, rate_limited, error_message,
			duration_us, client_ip, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		string(e.Kind), e.RequestID, e.EndpointID, e.CredentialID, e.Scheme, e.Environment,
		nullString(e.Parameters), e.Success, e.StatusCode, e.RateLimited, nullString(e.ErrorMessage),
		e.Duration.Microseconds(), e.ClientIP, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	debug.Log("storage", "audit entry inserted", "kind", e.Kind, "request_id", e.RequestID)
	return nil
}

// CountExecutions implements audit.Counter.
func (s *Store) CountExecutions(ctx context.Context, credentialID, endpointID int64, since time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM audit_log
		WHERE kind = 'execution' AND NOT rate_limited
		  AND credential_id = $1 AND endpoint_id = $2 AND created_at >= $3
	`, credentialID, endpointID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting executions: %w", err)
	}
	return n, nil
}

const entryColumns = `kind, request_id, endpoint_id, credential_id, auth_scheme, environment,
	coalesce(parameters, ''), success, status_code, rate_limited, coalesce(error_message, ''),
	duration_us, client_ip, created_at`

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]audit.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e          audit.Entry
			kind       string
			durationUS int64
		)
		if err := rows.Scan(&kind, &e.RequestID, &e.EndpointID, &e.CredentialID, &e.Scheme, &e.Environment,
			&e.Parameters, &e.Success, &e.StatusCode, &e.RateLimited, &e.ErrorMessage,
			&durationUS, &e.ClientIP, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Kind = audit.Kind(kind)
		e.Duration = time.Duration(durationUS) * time.Microsecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentErrors implements audit.Reporter.
func (s *Store) RecentErrors(ctx context.Context, n int) ([]audit.Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM audit_log
		WHERE kind = 'execution' AND NOT success
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, n)
}

// FailedAttempts implements audit.Reporter.
func (s *Store) FailedAttempts(ctx context.Context, endpointID *int64, since time.Time) ([]audit.Entry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM audit_log
		WHERE kind = 'auth_attempt' AND NOT success AND created_at >= $1
		  AND ($2::BIGINT IS NULL OR endpoint_id = $2)
		ORDER BY created_at DESC, id DESC
	`, since, endpointID)
}

// UsageStats implements audit.Reporter.
func (s *Store) UsageStats(ctx context.Context, endpointID *int64, since time.Time) ([]audit.UsageStats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT endpoint_id,
		       count(*),
		       count(*) FILTER (WHERE success),
		       count(*) FILTER (WHERE NOT success),
		       coalesce(avg(duration_us), 0)::BIGINT,
		       min(created_at),
		       max(created_at),
		       count(DISTINCT credential_id),
		       count(DISTINCT nullif(client_ip, ''))
		FROM audit_log
		WHERE kind = 'execution' AND created_at >= $1
		  AND ($2::BIGINT IS NULL OR endpoint_id = $2)
		GROUP BY endpoint_id
		ORDER BY endpoint_id
	`, since, endpointID)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	defer rows.Close()

	var out []audit.UsageStats
	for rows.Next() {
		var st audit.UsageStats
		var avgUS int64
		if err := rows.Scan(&st.EndpointID, &st.TotalExecutions, &st.Successful, &st.Failed,
			&avgUS, &st.FirstExecution, &st.LastExecution, &st.UniqueCredentials, &st.UniqueClients); err != nil {
			return nil, fmt.Errorf("scanning usage stats: %w", err)
		}
		st.AverageDuration = time.Duration(avgUS) * time.Microsecond
		out = append(out, st)
	}
	return out, rows.Err()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// nullString converts an empty string to nil for nullable TEXT columns.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullJSON converts nil/empty byte slices to nil for nullable JSONB columns.
func nullJSON(b []byte) *[]byte {
	if len(b) == 0 {
		return nil
	}
	return &b
}

// isDuplicateKey reports a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
