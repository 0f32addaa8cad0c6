package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"lmsbridge.org/internal/ids"
	"lmsbridge.org/internal/sso"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Store implements sso.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ sso.Store = (*Store)(nil)

// Open connects with pool defaults sized for a read-mostly workload.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// Accounts -----------------------------------------------------------------

func (s *Store) Lookup(ctx context.Context, uniqueID string) (*sso.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select unique_id, subaccount_id, email, first_name, last_name, active, created_at, updated_at
		 from accounts where unique_id=$1 and active`, uniqueID)
	var a sso.Account
	if err := row.Scan(&a.UniqueID, &a.SubaccountID, &a.Email, &a.FirstName, &a.LastName, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sso.ErrNotFound
		}
		return nil, unavailable(err)
	}
	return &a, nil
}

func (s *Store) Exists(ctx context.Context, uniqueID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from accounts where unique_id=$1)`, uniqueID).Scan(&ok)
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

func (s *Store) Upsert(ctx context.Context, acct *sso.Account) error {
	if acct == nil || strings.TrimSpace(acct.UniqueID) == "" || strings.TrimSpace(acct.SubaccountID) == "" {
		return sso.ErrInvalidInput
	}
	err := s.db.QueryRowContext(ctx, `
		insert into accounts(unique_id, subaccount_id, email, first_name, last_name, active)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (unique_id) do update
		set subaccount_id = excluded.subaccount_id,
		    email = excluded.email,
		    first_name = excluded.first_name,
		    last_name = excluded.last_name,
		    active = excluded.active,
		    updated_at = now()
		returning created_at, updated_at`,
		acct.UniqueID, acct.SubaccountID, acct.Email, acct.FirstName, acct.LastName, acct.Active,
	).Scan(&acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, limit int) ([]*sso.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`select unique_id, subaccount_id, email, first_name, last_name, active, created_at, updated_at
		 from accounts order by unique_id limit $1`, clampLimit(limit))
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []*sso.Account
	for rows.Next() {
		var a sso.Account
		if err := rows.Scan(&a.UniqueID, &a.SubaccountID, &a.Email, &a.FirstName, &a.LastName, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, unavailable(err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// Clients ------------------------------------------------------------------

const clientColumns = `client_id, client_secret, name, active, created_at`

func (s *Store) FindClient(ctx context.Context, clientID string) (*sso.ClientCredential, error) {
	return s.findClient(ctx, `select `+clientColumns+` from clients where client_id=$1`, clientID)
}

func (s *Store) FindClientByName(ctx context.Context, name string) (*sso.ClientCredential, error) {
	return s.findClient(ctx, `select `+clientColumns+` from clients where name=$1 order by created_at limit 1`, name)
}

func (s *Store) findClient(ctx context.Context, query, arg string) (*sso.ClientCredential, error) {
	var c sso.ClientCredential
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&c.ClientID, &c.Secret, &c.Name, &c.Active, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sso.ErrNotFound
		}
		return nil, unavailable(err)
	}
	return &c, nil
}

func (s *Store) ActiveClients(ctx context.Context) ([]*sso.ClientCredential, error) {
	rows, err := s.db.QueryContext(ctx, `select `+clientColumns+` from clients where active order by client_id`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []*sso.ClientCredential
	for rows.Next() {
		var c sso.ClientCredential
		if err := rows.Scan(&c.ClientID, &c.Secret, &c.Name, &c.Active, &c.CreatedAt); err != nil {
			return nil, unavailable(err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func (s *Store) CreateClient(ctx context.Context, c *sso.ClientCredential) error {
	if c == nil || c.ClientID == "" || c.Secret == "" {
		return sso.ErrInvalidInput
	}
	if c.Name == "" {
		c.Name = c.ClientID
	}
	err := s.db.QueryRowContext(ctx,
		`insert into clients(client_id, client_secret, name, active) values($1,$2,$3,$4) returning created_at`,
		c.ClientID, c.Secret, c.Name, c.Active,
	).Scan(&c.CreatedAt)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) UpdateClientSecret(ctx context.Context, clientID, secret string) error {
	if clientID == "" || secret == "" {
		return sso.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `update clients set client_secret=$2 where client_id=$1`, clientID, secret)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return sso.ErrNotFound
	}
	return nil
}

// Access log ---------------------------------------------------------------

func (s *Store) Append(ctx context.Context, e *sso.AccessLogEntry) error {
	if e == nil {
		return sso.ErrInvalidInput
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into access_log(id, occurred_at, flow, unique_id, client_id, source_ip, user_agent, outcome, subaccount_id, request_id)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.OccurredAt, string(e.Flow), e.UniqueID, e.ClientID, e.SourceIP, e.UserAgent,
		string(e.Outcome), e.SubaccountID, e.RequestID,
	)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]*sso.AccessLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, occurred_at, flow, unique_id, client_id, source_ip, user_agent, outcome, subaccount_id, request_id
		 from access_log order by occurred_at desc, id desc limit $1`, clampLimit(limit))
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []*sso.AccessLogEntry
	for rows.Next() {
		var (
			e       sso.AccessLogEntry
			flow    string
			outcome string
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &flow, &e.UniqueID, &e.ClientID, &e.SourceIP, &e.UserAgent, &outcome, &e.SubaccountID, &e.RequestID); err != nil {
			return nil, unavailable(err)
		}
		e.Flow, e.Outcome = sso.Flow(flow), sso.Outcome(outcome)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", sso.ErrStorageUnavailable, err)
}
