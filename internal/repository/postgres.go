package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/lib/pq"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// openPostgres opens a lib/pq connection from cfg.
func openPostgres(ctx context.Context, cfg domain.RepositoryConfig) (*sql.DB, error) {
	dsn, err := postgresDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres database: %w", err)
	}
	return db, nil
}

// postgresDSN returns the lib/pq connection string for cfg. PostgresURL
// wins over the discrete fields. Credentials are URL-escaped so passwords
// may contain spaces and quotes.
func postgresDSN(cfg domain.RepositoryConfig) (string, error) {
	raw := cfg.PostgresURL
	if raw == "" {
		host := cfg.PostgresHost
		if host == "" {
			host = "localhost"
		}
		port := cfg.PostgresPort
		if port == 0 {
			port = 5432
		}
		dbname := cfg.PostgresDB
		if dbname == "" {
			dbname = "kestrel"
		}
		sslmode := cfg.PostgresSSLMode
		if sslmode == "" {
			sslmode = "disable"
		}

		u := url.URL{
			Scheme: "postgres",
			Host:   net.JoinHostPort(host, strconv.Itoa(port)),
			Path:   "/" + dbname,
		}
		if cfg.PostgresUser != "" {
			u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
		}
		q := url.Values{}
		q.Set("sslmode", sslmode)
		q.Set("application_name", "kestrel")
		u.RawQuery = q.Encode()
		raw = u.String()
	}

	dsn, err := pq.ParseURL(raw)
	if err != nil {
		return "", fmt.Errorf("%w: postgres url: %v", ErrInvalidInput, err)
	}
	return dsn, nil
}
