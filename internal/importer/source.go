package importer

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// User is one source-system user carrying a unique ID.
type User struct {
	UniqueID     string
	Email        string
	FirstName    string
	LastName     string
	SubaccountID string // optional explicit mapping
}

// Source yields the users to import.
type Source interface {
	Users(ctx context.Context) ([]User, error)
}

const defaultTablePrefix = "wp_"

var tablePrefixRE = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

// WordPressSource reads users with a unique_id meta value from a WordPress
// database.
type WordPressSource struct {
	DB          *sql.DB
	TablePrefix string
}

// OpenWordPress connects to the WordPress MySQL database at dsn
// (go-sql-driver format, e.g. user:pass@tcp(host:3306)/wordpress).
func OpenWordPress(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(2)
	return db, nil
}

func (s *WordPressSource) query() (string, error) {
	prefix := s.TablePrefix
	if prefix == "" {
		prefix = defaultTablePrefix
	}
	if !tablePrefixRE.MatchString(prefix) {
		return "", fmt.Errorf("invalid table prefix %q", prefix)
	}
	return fmt.Sprintf(`
		select um_unique.meta_value, u.user_email,
		       coalesce(um_first.meta_value, ''), coalesce(um_last.meta_value, '')
		from %[1]susers u
		join %[1]susermeta um_unique on u.ID = um_unique.user_id and um_unique.meta_key = 'unique_id'
		left join %[1]susermeta um_first on u.ID = um_first.user_id and um_first.meta_key = 'first_name'
		left join %[1]susermeta um_last on u.ID = um_last.user_id and um_last.meta_key = 'last_name'
		where um_unique.meta_value is not null and um_unique.meta_value <> ''
		order by u.user_registered desc`, prefix), nil
}

func (s *WordPressSource) Users(ctx context.Context) ([]User, error) {
	q, err := s.query()
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query wordpress users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.UniqueID, &u.Email, &u.FirstName, &u.LastName); err != nil {
			return nil, fmt.Errorf("scan wordpress user: %w", err)
		}
		u.UniqueID = strings.TrimSpace(u.UniqueID)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read wordpress users: %w", err)
	}
	return out, nil
}

// CSVSource reads a header-led CSV export. Recognised columns are
// unique_id (required), email, first_name, last_name and subaccount_id, in
// any order.
type CSVSource struct {
	R io.Reader
}

func (s *CSVSource) Users(ctx context.Context) ([]User, error) {
	r := csv.NewReader(s.R)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv: missing header row")
		}
		return nil, fmt.Errorf("csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	if _, ok := cols["unique_id"]; !ok {
		return nil, errors.New("csv: unique_id column is required")
	}
	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []User
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv: %w", err)
		}
		u := User{
			UniqueID:     field(rec, "unique_id"),
			Email:        field(rec, "email"),
			FirstName:    field(rec, "first_name"),
			LastName:     field(rec, "last_name"),
			SubaccountID: field(rec, "subaccount_id"),
		}
		if u.UniqueID == "" {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}
