package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Ledger       LedgerConfig
	Cron         CronConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Ledger.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"TRADEYARD_APP_ENV" required:"true"`
	Port         string `envconfig:"TRADEYARD_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"TRADEYARD_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"TRADEYARD_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"TRADEYARD_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"TRADEYARD_DB_DSN"`
	Driver string `envconfig:"TRADEYARD_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"TRADEYARD_DB_HOST"`
	Port     int    `envconfig:"TRADEYARD_DB_PORT" default:"5432"`
	User     string `envconfig:"TRADEYARD_DB_USER"`
	Password string `envconfig:"TRADEYARD_DB_PASSWORD"`
	Name     string `envconfig:"TRADEYARD_DB_NAME"`
	SSLMode  string `envconfig:"TRADEYARD_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"TRADEYARD_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"TRADEYARD_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"TRADEYARD_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"TRADEYARD_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"TRADEYARD_REDIS_URL" required:"true"`
	Address      string        `envconfig:"TRADEYARD_REDIS_ADDR"`
	Password     string        `envconfig:"TRADEYARD_REDIS_PASSWORD"`
	DB           int           `envconfig:"TRADEYARD_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TRADEYARD_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"TRADEYARD_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"TRADEYARD_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TRADEYARD_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TRADEYARD_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// LedgerConfig tunes settlement timing and payout floors.
type LedgerConfig struct {
	AffiliateGraceDays     int   `envconfig:"TRADEYARD_LEDGER_AFFILIATE_GRACE_DAYS" default:"7"`
	CashbackExpiryDays     int   `envconfig:"TRADEYARD_LEDGER_CASHBACK_EXPIRY_DAYS" default:"90"`
	MinimumWithdrawalCents int64 `envconfig:"TRADEYARD_LEDGER_MIN_WITHDRAWAL_CENTS" default:"1000"`
	SchedulerBatchSize     int   `envconfig:"TRADEYARD_LEDGER_SCHEDULER_BATCH_SIZE" default:"200"`
}

func (l LedgerConfig) validate() error {
	if l.AffiliateGraceDays < 0 {
		return fmt.Errorf("affiliate grace days must not be negative")
	}
	if l.CashbackExpiryDays <= 0 {
		return fmt.Errorf("cashback expiry days must be positive")
	}
	if l.MinimumWithdrawalCents < 0 {
		return fmt.Errorf("minimum withdrawal must not be negative")
	}
	if l.SchedulerBatchSize <= 0 {
		return fmt.Errorf("scheduler batch size must be positive")
	}
	return nil
}

// AffiliateGrace returns the affiliate hold window after delivery.
func (l LedgerConfig) AffiliateGrace() time.Duration {
	return time.Duration(l.AffiliateGraceDays) * 24 * time.Hour
}

// CashbackExpiry returns how long granted cashback stays spendable.
func (l LedgerConfig) CashbackExpiry() time.Duration {
	return time.Duration(l.CashbackExpiryDays) * 24 * time.Hour
}

type CronConfig struct {
	Interval                time.Duration `envconfig:"TRADEYARD_CRON_INTERVAL" default:"15m"`
	LockTTL                 time.Duration `envconfig:"TRADEYARD_CRON_LOCK_TTL" default:"30m"`
	StalledProcessingSince  time.Duration `envconfig:"TRADEYARD_CRON_STALLED_PROCESSING_SINCE" default:"24h"`
	ReconcileAccountTimeout time.Duration `envconfig:"TRADEYARD_CRON_RECONCILE_ACCOUNT_TIMEOUT" default:"30s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"TRADEYARD_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"TRADEYARD_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"TRADEYARD_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"TRADEYARD_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"TRADEYARD_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	LedgerTopic        string `envconfig:"TRADEYARD_PUBSUB_LEDGER_TOPIC" default:"ty-ledger-events"`
	LedgerSubscription string `envconfig:"TRADEYARD_PUBSUB_LEDGER_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"TRADEYARD_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"TRADEYARD_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"TRADEYARD_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range requiredDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}
	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
