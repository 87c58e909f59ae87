package db

import (
	"fmt"
	"net/url"
	"strings"
)

// WithDBName returns a DSN identical to the input but with the database path replaced.
// Supports postgres:// and postgresql:// schemes.
func WithDBName(dsn, database string) (string, error) {
	u, err := parseDSN(dsn)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(database, "/") {
		u.Path = "/" + database
	} else {
		u.Path = database
	}
	return u.String(), nil
}

// DBName is the database path of dsn, without the leading slash.
func DBName(dsn string) string {
	u, err := parseDSN(dsn)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}

// Redact hides the password of dsn for logging.
func Redact(dsn string) string {
	u, err := parseDSN(dsn)
	if err != nil {
		return "<invalid dsn>"
	}
	return u.Redacted()
}

func parseDSN(dsn string) (*url.URL, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty DSN")
	}
	// allow missing scheme by prefixing postgres://
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	return u, nil
}
