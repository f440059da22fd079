package lncfg

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultAckTimeout is the default age after which a checkpoint still
	// waiting for its remote acknowledgement is reported as overdue.
	DefaultAckTimeout = 2 * time.Minute

	// DefaultSweepSchedule is the default cron schedule of the sweep
	// reconciling pending checkpoints with the remote store.
	DefaultSweepSchedule = "@every 1m"
)

// Persist holds the configuration of channel state persistence.
//
//nolint:lll
type Persist struct {
	NoRemoteAck bool `long:"noremoteack" description:"Complete channel checkpoints once they are written locally, without waiting for the remote store. Only safe for a node that runs a single device."`

	AckTimeout time.Duration `long:"acktimeout" description:"The age after which a checkpoint still waiting for its remote acknowledgement is reported as overdue."`

	SweepSchedule string `long:"sweepschedule" description:"The cron schedule of the sweep that resolves pending checkpoints against the remote store."`
}

// DefaultPersist returns the default persistence config.
func DefaultPersist() *Persist {
	return &Persist{
		AckTimeout:    DefaultAckTimeout,
		SweepSchedule: DefaultSweepSchedule,
	}
}

// Validate validates the Persist config.
func (p *Persist) Validate() error {
	if p.AckTimeout <= 0 {
		return fmt.Errorf("persist.acktimeout must be positive")
	}

	_, err := cron.ParseStandard(p.SweepSchedule)
	if err != nil {
		return fmt.Errorf("invalid persist.sweepschedule %q: %w",
			p.SweepSchedule, err)
	}

	return nil
}

// A compile time check to ensure Persist implements the Validator interface.
var _ Validator = (*Persist)(nil)
