package lncfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/kvdb/etcd"
)

const (
	// DefaultRemoteTimeout is the default timeout for connecting to the
	// remote store.
	DefaultRemoteTimeout = 10 * time.Second

	// DefaultInlineLimit is the default largest value returned inline by
	// a remote key listing.
	DefaultInlineLimit = 1024
)

// Remote holds the configuration of the remote versioned store shared by
// every device of the node.
//
//nolint:lll
type Remote struct {
	Backend string `long:"backend" description:"The remote store backend." choice:"etcd" choice:"memory"`

	Etcd *etcd.Config `group:"etcd" namespace:"etcd" description:"Etcd settings of the remote store."`

	InlineLimit int `long:"inlinelimit" description:"Values up to this size in bytes are returned inline by key listings instead of being fetched one by one."`

	Timeout time.Duration `long:"timeout" description:"The timeout for connecting to the remote store."`
}

// DefaultRemote returns the default remote store config.
func DefaultRemote() *Remote {
	return &Remote{
		Backend:     MemoryBackend,
		Etcd:        &etcd.Config{},
		InlineLimit: DefaultInlineLimit,
		Timeout:     DefaultRemoteTimeout,
	}
}

// Validate validates the Remote config.
func (r *Remote) Validate() error {
	if err := validateEtcdBackend("remote", r.Backend, r.Etcd); err != nil {
		return err
	}

	if r.InlineLimit <= 0 {
		return fmt.Errorf("remote.inlinelimit must be positive")
	}

	return nil
}

// validateEtcdBackend checks a backend choice between etcd and memory.
func validateEtcdBackend(section, backend string, cfg *etcd.Config) error {
	switch backend {
	case MemoryBackend:

	case EtcdBackend:
		if cfg.Host == "" {
			return fmt.Errorf("%s.etcd.host must be set", section)
		}

	default:
		return fmt.Errorf("unknown %s backend %q, must be either %q "+
			"or %q", section, backend, EtcdBackend, MemoryBackend)
	}

	return nil
}

// A compile time check to ensure Remote implements the Validator interface.
var _ Validator = (*Remote)(nil)
