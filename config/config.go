/*
Package config loads server configuration from the environment.

PURPOSE:
  One typed Config for cmd/server. Values come from, in order of
  precedence:
  1. Command-line flags (applied by cmd/server after Load)
  2. EXEAT_* environment variables
  3. An optional .env file (never overrides the real environment)
  4. Defaults below

KEYS:
  EXEAT_PORT                    HTTP port (8080)
  EXEAT_DB_DRIVER               sqlite | postgres (sqlite)
  EXEAT_DB_PATH                 SQLite file (./data/exeat.db)
  EXEAT_DB_DSN                  PostgreSQL DSN
  EXEAT_TIMEZONE                Campus timezone for the 23:59:59 cutoff (Africa/Lagos)
  EXEAT_BASE_DEBT_UNIT          Penalty per overdue day (10000)
  EXEAT_PROCESSING_CHARGE_RATE  Fraction added on top of the penalty (0)
  EXEAT_SWEEP_INTERVAL          Sweep cadence (1h)
  EXEAT_SWEEP_CRON              Cron spec in the campus timezone; replaces the interval
  EXEAT_SCHEDULER_ENABLED       Run sweeps in-process (true)
  EXEAT_PRIVILEGED_STAFF        Comma-separated staff ids that may act for any stage
  EXEAT_CORS_ORIGINS            Comma-separated allowed origins (*)
  EXEAT_NOTIFY_TIMEOUT          Per-notification delivery timeout (10s)
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const envPrefix = "EXEAT"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the resolved server configuration.
type Config struct {
	Port     int
	DBDriver string
	DBPath   string
	DBDSN    string

	Timezone string
	Location *time.Location

	BaseDebtUnit         decimal.Decimal
	ProcessingChargeRate decimal.Decimal

	SweepInterval    time.Duration
	SweepCron        string
	SchedulerEnabled bool

	PrivilegedStaff []string
	CORSOrigins     []string
	NotifyTimeout   time.Duration
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	v.SetDefault("port", 8080)
	v.SetDefault("db_driver", DriverSQLite)
	v.SetDefault("db_path", "./data/exeat.db")
	v.SetDefault("db_dsn", "")
	v.SetDefault("timezone", "Africa/Lagos")
	v.SetDefault("base_debt_unit", "10000")
	v.SetDefault("processing_charge_rate", "0")
	v.SetDefault("sweep_interval", time.Hour)
	v.SetDefault("sweep_cron", "")
	v.SetDefault("scheduler_enabled", true)
	v.SetDefault("privileged_staff", "")
	v.SetDefault("cors_origins", "*")
	v.SetDefault("notify_timeout", 10*time.Second)

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v
}

// Load reads configuration. envFile may be empty; a missing file is not
// an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("config: load %s: %w", envFile, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: stat %s: %w", envFile, err)
		}
	}

	v := newViper()
	cfg := &Config{
		Port:             v.GetInt("port"),
		DBDriver:         strings.ToLower(v.GetString("db_driver")),
		DBPath:           v.GetString("db_path"),
		DBDSN:            v.GetString("db_dsn"),
		Timezone:         v.GetString("timezone"),
		SweepInterval:    v.GetDuration("sweep_interval"),
		SweepCron:        strings.TrimSpace(v.GetString("sweep_cron")),
		SchedulerEnabled: v.GetBool("scheduler_enabled"),
		PrivilegedStaff:  splitList(v.GetString("privileged_staff")),
		CORSOrigins:      splitList(v.GetString("cors_origins")),
		NotifyTimeout:    v.GetDuration("notify_timeout"),
	}

	var err error
	if cfg.BaseDebtUnit, err = decimal.NewFromString(v.GetString("base_debt_unit")); err != nil {
		return nil, fmt.Errorf("config: base_debt_unit: %w", err)
	}
	if cfg.ProcessingChargeRate, err = decimal.NewFromString(v.GetString("processing_charge_rate")); err != nil {
		return nil, fmt.Errorf("config: processing_charge_rate: %w", err)
	}
	if cfg.Location, err = time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("config: timezone: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return errors.New("config: db_path is required for sqlite")
		}
	case DriverPostgres:
		if c.DBDSN == "" {
			return errors.New("config: db_dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown db_driver %q", c.DBDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.BaseDebtUnit.IsNegative() {
		return errors.New("config: base_debt_unit must not be negative")
	}
	if c.ProcessingChargeRate.IsNegative() {
		return errors.New("config: processing_charge_rate must not be negative")
	}
	if c.SweepInterval <= 0 {
		return errors.New("config: sweep_interval must be positive")
	}
	if c.SweepCron != "" {
		if _, err := cron.ParseStandard(c.SweepCron); err != nil {
			return fmt.Errorf("config: sweep_cron: %w", err)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
