package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const metaDatabase = "postgres"

// Import is one row of public.latest_successful_imports: a per-city GTFS
// database produced by the importer.
type Import struct {
	DBName     string
	ImportedAt time.Time
}

// LatestImport returns the most recent successful import whose database
// name contains city. meta must be connected to the cluster's postgres
// database.
func LatestImport(ctx context.Context, meta *sql.DB, city string) (Import, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return Import{}, errors.New("city is required")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	q := `
SELECT db_name, imported_at
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var name sql.NullString
	var at sql.NullTime
	if err := meta.QueryRowContext(ctx, q, city).Scan(&name, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Import{}, fmt.Errorf("no import found for city like %q", city)
		}
		return Import{}, err
	}
	if !name.Valid || name.String == "" {
		return Import{}, fmt.Errorf("empty db_name for city like %q", city)
	}
	imp := Import{DBName: name.String}
	if at.Valid {
		imp.ImportedAt = at.Time
	}
	return imp, nil
}

// ResolveDSN points dsn at the latest import for city, looked up through the
// cluster's postgres database. An empty city leaves dsn unchanged.
func ResolveDSN(ctx context.Context, dsn, city string) (string, error) {
	if strings.TrimSpace(city) == "" {
		return dsn, nil
	}
	metaDSN, err := WithDBName(dsn, metaDatabase)
	if err != nil {
		return "", err
	}
	meta, err := Open(metaDSN)
	if err != nil {
		return "", err
	}
	defer meta.Close()

	imp, err := LatestImport(ctx, meta, city)
	if err != nil {
		return "", fmt.Errorf("resolve import for %s: %w", city, err)
	}
	log.Debug().Str("city", city).Str("database", imp.DBName).Time("imported_at", imp.ImportedAt).Msg("latest import")
	return WithDBName(dsn, imp.DBName)
}
