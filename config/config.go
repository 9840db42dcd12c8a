package config

import (
	"fmt"
	"log"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"xui-vpn-bot/internal/plan"
)

type AppConfig struct {
	BotToken string  `env:"BOT_TOKEN" env-required:"true"`
	AdminIDs []int64 `env:"ADMIN_TG_IDS" env-separator:","`
	LogLevel string  `env:"LOG_LEVEL" env-default:"info"`

	// DatabaseURL selects Postgres; without it the bot keeps its state in SQLitePath.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" env-default:"./db/bot.sqlite3"`

	XUIBaseURL       string        `env:"XUI_BASE_URL" env-default:"http://127.0.0.1:54321"`
	XUIUsername      string        `env:"XUI_USERNAME" env-required:"true"`
	XUIPassword      string        `env:"XUI_PASSWORD" env-required:"true"`
	XUIInboundID     int           `env:"XUI_INBOUND_ID"`
	XUIInboundRemark string        `env:"XUI_INBOUND_REMARK"`
	XUIProtocol      string        `env:"XUI_INBOUND_PROTOCOL" env-default:"vless"`
	XUITimeout       time.Duration `env:"XUI_TIMEOUT" env-default:"15s"`
	XUIRetries       int           `env:"XUI_RETRIES" env-default:"3"`

	VPNPublicHost string `env:"VPN_PUBLIC_HOST" env-required:"true"`

	SubscriptionDays     int    `env:"SUBSCRIPTION_DAYS" env-default:"30"`
	SubscriptionPriceRub int    `env:"SUBSCRIPTION_PRICE_RUB" env-default:"199"`
	Plans                string `env:"PLANS"`

	WatchIntervalSec  int           `env:"SUBSCRIPTION_WATCH_INTERVAL_SEC" env-default:"60"`
	NotifyBeforeDays  int           `env:"NOTIFY_BEFORE_DAYS" env-default:"3"`
	MaxRevokeAttempts int           `env:"MAX_REVOKE_ATTEMPTS" env-default:"5"`
	OperationTimeout  time.Duration `env:"OPERATION_TIMEOUT" env-default:"60s"`

	HTTPAddr string `env:"HTTP_ADDR" env-default:":8080"`

	BackupDir      string `env:"BACKUP_DIR" env-default:"./backups"`
	BackupKeepDays int    `env:"BACKUP_KEEP_DAYS" env-default:"31"`
}

var AppCfg AppConfig

// Load reads .env (if present) and the process environment.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on environment variables")
	}
	var cfg AppConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig fills AppCfg and exits the process when the environment is incomplete.
func LoadConfig() {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("Critical environment variables are missing. Bot will exit: %v", err)
	}
	AppCfg = *cfg
}

func (c *AppConfig) validate() error {
	// cleanenv accepts a variable that is set but empty
	for name, v := range map[string]string{
		"BOT_TOKEN":       c.BotToken,
		"XUI_USERNAME":    c.XUIUsername,
		"XUI_PASSWORD":    c.XUIPassword,
		"VPN_PUBLIC_HOST": c.VPNPublicHost,
	} {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if c.WatchIntervalSec <= 0 {
		return fmt.Errorf("SUBSCRIPTION_WATCH_INTERVAL_SEC must be positive, got %d", c.WatchIntervalSec)
	}
	if c.XUIRetries < 0 {
		return fmt.Errorf("XUI_RETRIES must not be negative, got %d", c.XUIRetries)
	}
	if c.MaxRevokeAttempts <= 0 {
		return fmt.Errorf("MAX_REVOKE_ATTEMPTS must be positive, got %d", c.MaxRevokeAttempts)
	}
	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("plans: %w", err)
	}
	return nil
}

// Catalog returns the configured plans; PLANS wins over the single SUBSCRIPTION_DAYS plan.
func (c *AppConfig) Catalog() (plan.Catalog, error) {
	if c.Plans != "" {
		return plan.Parse(c.Plans)
	}
	if c.SubscriptionDays <= 0 {
		return nil, fmt.Errorf("SUBSCRIPTION_DAYS must be positive, got %d", c.SubscriptionDays)
	}
	return plan.Catalog{plan.New(c.SubscriptionDays, c.SubscriptionPriceRub)}, nil
}

func (c *AppConfig) WatchInterval() time.Duration {
	return time.Duration(c.WatchIntervalSec) * time.Second
}
