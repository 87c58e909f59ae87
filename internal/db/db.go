package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// OpenWithRetry opens dsn and pings it with exponential backoff until it
// answers, maxElapsed passes or ctx is done.
func OpenWithRetry(ctx context.Context, dsn string, maxElapsed time.Duration) (*sql.DB, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = maxElapsed

	return backoff.RetryNotifyWithData(
		func() (*sql.DB, error) {
			db, err := Open(dsn)
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			if err := Ping(ctx, db); err != nil {
				_ = db.Close()
				return nil, err
			}
			return db, nil
		},
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			log.Warn().Err(err).Dur("retry_in", d).Str("dsn", Redact(dsn)).Msg("database not reachable")
		},
	)
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}

// pointColumns picks the SQL expressions for a table's coordinates: plain
// lat/lon columns when present, else ST_Y/ST_X of a PostGIS point column.
func pointColumns(ctx context.Context, db *sql.DB, table, alias, latCol, lonCol, geomCol string) (string, string, error) {
	cols, err := hasColumns(ctx, db, "public", table, latCol, lonCol, geomCol)
	if err != nil {
		return "", "", fmt.Errorf("introspect %s columns: %w", table, err)
	}
	switch {
	case cols[latCol] && cols[lonCol]:
		return alias + "." + latCol, alias + "." + lonCol, nil
	case cols[geomCol]:
		return "ST_Y(" + alias + "." + geomCol + "::geometry)", "ST_X(" + alias + "." + geomCol + "::geometry)", nil
	default:
		return "", "", fmt.Errorf("%s table missing expected columns (%s/%s or %s)", table, latCol, lonCol, geomCol)
	}
}

// parseDaySeconds parses HH:MM:SS possibly with hours >= 24.
func parseDaySeconds(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	// interval columns render as "1 day 02:10:00"
	days := 0
	if i := strings.Index(s, " day"); i > 0 {
		days, _ = strconv.Atoi(strings.TrimSpace(s[:i]))
		if j := strings.LastIndex(s, " "); j > i {
			s = s[j+1:]
		}
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	sec := 0
	if len(parts) > 2 {
		sec, _ = strconv.Atoi(strings.SplitN(parts[2], ".", 2)[0])
	}
	total := days*86400 + h*3600 + m*60 + sec
	if total < 0 {
		total = 0
	}
	return total
}

// parseFlag reads a calendar weekday column stored as int, bool or enum text.
func parseFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "available":
		return true
	default:
		return false
	}
}

// parseExceptionType maps calendar_dates.exception_type to added (true) or
// removed (false).
func parseExceptionType(s string) (added bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "added":
		return true, true
	case "2", "removed":
		return false, true
	default:
		return false, false
	}
}

// parseDate accepts the date renderings GTFS importers produce.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "20060102", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func routeList(routes map[string]bool) []string {
	out := make([]string, 0, len(routes))
	for id := range routes {
		out = append(out, id)
	}
	return out
}
