package config

import (
	"strings"
	"time"
)

// ObservabilityConfig contains metrics and alerting configuration.
type ObservabilityConfig struct {
	// StatsdEnabled toggles metric emission.
	StatsdEnabled bool `env:"STATSD_ENABLED" envDefault:"false"`

	// StatsdAddress is the UDP host:port of the StatsD endpoint.
	StatsdAddress string `env:"STATSD_ADDRESS" envDefault:"localhost:8125"`

	// StatsdPrefix is prepended to every metric name.
	StatsdPrefix string `env:"STATSD_PREFIX" envDefault:"orchestrator"`

	// AlertWebhookURL receives error-pattern alerts; empty disables alerting.
	AlertWebhookURL string `env:"ALERT_WEBHOOK_URL" envDefault:""`

	// AlertWebhookTimeout bounds one alert delivery attempt.
	AlertWebhookTimeout time.Duration `env:"ALERT_WEBHOOK_TIMEOUT" envDefault:"5s"`

	// AlertWebhookRetries is the number of delivery retries.
	AlertWebhookRetries int `env:"ALERT_WEBHOOK_RETRIES" envDefault:"2"`
}

// Sanitize applies guardrails to observability configuration values.
func (o *ObservabilityConfig) Sanitize() {
	o.StatsdAddress = strings.TrimSpace(o.StatsdAddress)
	o.AlertWebhookURL = strings.TrimSpace(o.AlertWebhookURL)
	if o.StatsdAddress == "" {
		o.StatsdEnabled = false
	}
	if o.AlertWebhookTimeout <= 0 {
		o.AlertWebhookTimeout = 5 * time.Second
	}
	if o.AlertWebhookRetries < 0 {
		o.AlertWebhookRetries = 0
	}
}

// AlertingEnabled reports whether a webhook destination is configured.
func (o *ObservabilityConfig) AlertingEnabled() bool {
	return o.AlertWebhookURL != ""
}
