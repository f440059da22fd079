package lncfg

import (
	"fmt"
	"time"
)

const (
	// DefaultSyncInterval is the default delay between two iterations of
	// the continuous sync loop.
	DefaultSyncInterval = 5 * time.Second

	// DefaultFetchConcurrency is the default number of object bodies
	// fetched in parallel during a pull.
	DefaultFetchConcurrency = 8

	// DefaultRetryDelay is the default pause before a failed connection
	// attempt or initial sync is retried.
	DefaultRetryDelay = 5 * time.Second
)

// Sync holds the configuration of the sync engine and the connection state
// machine driving it.
//
//nolint:lll
type Sync struct {
	Interval time.Duration `long:"interval" description:"The delay between two iterations of the continuous push or pull loop."`

	FetchConcurrency int `long:"fetchconcurrency" description:"The maximum number of remote values fetched in parallel during a pull."`

	RetryDelay time.Duration `long:"retrydelay" description:"The pause before a failed connection attempt or initial sync is retried."`
}

// DefaultSync returns the default sync config.
func DefaultSync() *Sync {
	return &Sync{
		Interval:         DefaultSyncInterval,
		FetchConcurrency: DefaultFetchConcurrency,
		RetryDelay:       DefaultRetryDelay,
	}
}

// Validate validates the Sync config.
func (s *Sync) Validate() error {
	switch {
	case s.Interval <= 0:
		return fmt.Errorf("sync.interval must be positive")

	case s.FetchConcurrency <= 0:
		return fmt.Errorf("sync.fetchconcurrency must be positive")

	case s.RetryDelay <= 0:
		return fmt.Errorf("sync.retrydelay must be positive")
	}

	return nil
}

// A compile time check to ensure Sync implements the Validator interface.
var _ Validator = (*Sync)(nil)
