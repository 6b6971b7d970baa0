package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@forumpulse.local"`

	// SiteHost anchors deterministic Message-ID / In-Reply-To headers
	// and the Reply-To address.
	SiteHost       string `envconfig:"SITE_HOST" default:"forumpulse.local"`
	ReplyToEnabled bool   `envconfig:"REPLY_TO_ENABLED" default:"true"`

	// ----------------------------
	// Immediate pass
	// ----------------------------
	// MailWindow is how far back the claimer looks for pending posts.
	// EditGrace keeps freshly written posts unclaimed so authors can
	// still edit them before anything goes out.
	MailWindow time.Duration `envconfig:"MAIL_WINDOW" default:"48h"`
	EditGrace  time.Duration `envconfig:"EDIT_GRACE" default:"30m"`

	// ----------------------------
	// Digest pass
	// ----------------------------
	// DigestHour is the local hour of day after which the daily
	// aggregation may run.
	DigestHour int `envconfig:"DIGEST_HOUR" default:"17"`

	// ----------------------------
	// Recipient cache
	// ----------------------------
	// ProfileCacheCeiling bounds how many full user records one run
	// keeps in memory; past it only id stubs are cached.
	ProfileCacheCeiling int `envconfig:"PROFILE_CACHE_CEILING" default:"5000"`

	// ManualReadMarking leaves read tracking to the user instead of
	// marking posts read on successful delivery.
	ManualReadMarking bool `envconfig:"MANUAL_READ_MARKING" default:"false"`

	// ----------------------------
	// Scheduling / throughput
	// ----------------------------
	CronInterval time.Duration `envconfig:"CRON_INTERVAL" default:"5m"`
	RateLimit    int           `envconfig:"RATE_LIMIT" default:"10"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
