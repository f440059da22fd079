package lncfg

import (
	"fmt"
	"net"
)

// DefaultPrometheusListen is the default address of the metrics exporter.
const DefaultPrometheusListen = "127.0.0.1:8989"

// Prometheus configures the Prometheus exporter.
//
//nolint:lll
type Prometheus struct {
	// Enable indicates whether to export lnsyncd metrics to Prometheus.
	Enable bool `long:"enable" description:"Enable Prometheus exporting of lnsyncd metrics."`

	// Listen is the listening address that we should use to allow the
	// main Prometheus server to scrape our metrics.
	Listen string `long:"listen" description:"The interface we should listen on for Prometheus."`
}

// DefaultPrometheus is the default configuration for the Prometheus metrics
// exporter.
func DefaultPrometheus() *Prometheus {
	return &Prometheus{
		Listen: DefaultPrometheusListen,
	}
}

// Enabled returns whether or not Prometheus monitoring is enabled.
func (p *Prometheus) Enabled() bool {
	return p.Enable
}

// Validate validates the Prometheus config.
func (p *Prometheus) Validate() error {
	if !p.Enable {
		return nil
	}

	if _, _, err := net.SplitHostPort(p.Listen); err != nil {
		return fmt.Errorf("invalid prometheus.listen %q: %w", p.Listen,
			err)
	}

	return nil
}

// A compile time check to ensure Prometheus implements the Validator
// interface.
var _ Validator = (*Prometheus)(nil)
