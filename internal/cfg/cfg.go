package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Quiet period bounds for the coalescing scheduler.
const (
	DefaultQuietPeriod = 1500 * time.Millisecond
	MinQuietPeriod     = 100 * time.Millisecond
	MaxQuietPeriod     = 10 * time.Second
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	MaxBodyKB             int
	QuietPeriod           time.Duration
	DatabaseURL           string
	SQLitePath            string
	EvidenceFixture       string
	RedisURL              string
	TriggerChannel        string
	APIToken              string
	IngestToken           string
	SlackWebhookURL       string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.IntVar(&c.MaxBodyKB, "max-body-kb", 4096, "maximum request body size in KiB, sized for evidence batches and restores (1..65536)")
	fs.DurationVar(&c.QuietPeriod, "quiet-period", DefaultQuietPeriod, "quiet period after the last trigger before aggregation runs (100ms..10s)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file (used when database-url is empty; both empty = in-memory store)")
	fs.StringVar(&c.EvidenceFixture, "evidence-fixture", "", "YAML evidence file to seed the in-memory store with")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for cross-process triggers (empty = disabled)")
	fs.StringVar(&c.TriggerChannel, "trigger-channel", "rapport:triggers", "Redis pub/sub channel carrying triggers")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for the insight API (empty = unauthenticated)")
	fs.StringVar(&c.IngestToken, "ingest-token", "", "bearer token accepted on evidence and trigger endpoints")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for new-insight digests")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.MaxBodyKB <= 0 || c.MaxBodyKB > 65536 {
		errs = append(errs, fmt.Errorf("invalid MAX_BODY_KB %d (must be 1..65536)", c.MaxBodyKB))
	}

	if c.QuietPeriod < MinQuietPeriod || c.QuietPeriod > MaxQuietPeriod {
		errs = append(errs, fmt.Errorf("invalid QUIET_PERIOD %s (must be %s..%s)", c.QuietPeriod, MinQuietPeriod, MaxQuietPeriod))
	}

	// One durable backend at most
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive"))
	}

	// Fixtures only seed the in-memory store
	if c.EvidenceFixture != "" && (c.DatabaseURL != "" || c.SQLitePath != "") {
		errs = append(errs, errors.New("EVIDENCE_FIXTURE requires the in-memory store"))
	}

	if c.RedisURL != "" && c.TriggerChannel == "" {
		errs = append(errs, errors.New("TRIGGER_CHANNEL is required when REDIS_URL is set"))
	}

	if c.APIToken != "" && c.APIToken == c.IngestToken {
		errs = append(errs, errors.New("API_TOKEN and INGEST_TOKEN must differ"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// StoreBackend names the store the config selects.
func (c *Config) StoreBackend() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}
