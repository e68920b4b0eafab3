package app

import (
	"github.com/newrelic/go-agent/v3/newrelic"

	"dispatchd/internal/config"
)

// NewNewRelic starts the New Relic agent. It returns nil when the agent is
// disabled or has no license key; a nil application is safe to use.
func NewNewRelic(cfg config.NewRelicConfig) (*newrelic.Application, error) {
	if !cfg.Enabled || cfg.LicenseKey == "" {
		return nil, nil
	}
	return newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
}
