package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL       string
	City              string
	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool
	MetricsAddr       string
	Location          *time.Location
	Workers           int
	Window            time.Duration
	ServiceDateFrom   time.Time
	ServiceDateTo     time.Time
	RouteIDs          []string
	SnapToShape       bool
	Thresholds        Thresholds
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL (cluster DSN): prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		// If CITY is provided, default base DB to 'postgres' when PGDATABASE is not set.
		if db == "" && os.Getenv("CITY") != "" {
			db = "postgres"
		}
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using CITY)")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	// City name for dynamic DB resolution
	cfg.City = firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME"))

	// NATS is optional; empty disables publishing.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "segmetrics")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Time zone
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	// Per-trip worker pool size
	cfg.Workers = runtime.GOMAXPROCS(0)
	if v := os.Getenv("WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid WORKERS: %q", v)
		}
		cfg.Workers = n
	}

	// Trailing window for live stages (hours)
	cfg.Window = 3 * time.Hour
	if v := os.Getenv("WINDOW_HOURS"); v != "" {
		h, err := strconv.ParseFloat(v, 64)
		if err != nil || h <= 0 {
			return nil, fmt.Errorf("invalid WINDOW_HOURS: %q", v)
		}
		cfg.Window = time.Duration(h * float64(time.Hour))
	}

	// Service date range the representative date is picked from
	var err error
	if cfg.ServiceDateFrom, err = parseDate("SERVICE_DATE_FROM", cfg.Location); err != nil {
		return nil, err
	}
	if cfg.ServiceDateTo, err = parseDate("SERVICE_DATE_TO", cfg.Location); err != nil {
		return nil, err
	}
	if !cfg.ServiceDateFrom.IsZero() && !cfg.ServiceDateTo.IsZero() && cfg.ServiceDateTo.Before(cfg.ServiceDateFrom) {
		return nil, fmt.Errorf("SERVICE_DATE_TO %s is before SERVICE_DATE_FROM %s", cfg.ServiceDateTo.Format("2006-01-02"), cfg.ServiceDateFrom.Format("2006-01-02"))
	}

	cfg.RouteIDs = SplitList(os.Getenv("TARGET_ROUTE_IDS"))

	cfg.SnapToShape = true
	if v := os.Getenv("SNAP_TO_SHAPE"); v != "" {
		cfg.SnapToShape = parseBool(v)
	}

	cfg.Thresholds = DefaultThresholds()
	if path := os.Getenv("THRESHOLDS_FILE"); path != "" {
		th, err := LoadThresholds(path)
		if err != nil {
			return nil, err
		}
		cfg.Thresholds = th
	}

	return cfg, nil
}

// RouteSet is RouteIDs as a lookup; nil means every route.
func (c *Config) RouteSet() map[string]bool {
	return RouteSet(c.RouteIDs)
}

func RouteSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDate(key string, loc *time.Location) (time.Time, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return time.Time{}, nil
	}
	layout := "2006-01-02"
	if !strings.Contains(v, "-") {
		layout = "20060102"
	}
	d, err := time.ParseInLocation(layout, v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
