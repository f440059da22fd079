package lncfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/kvdb/etcd"
)

const (
	// DefaultHubTimeout is the default timeout of a single hub call.
	DefaultHubTimeout = 30 * time.Second

	// DefaultHubSessionTTL is the default TTL, in seconds, of the lease
	// binding the master role to its holder.
	DefaultHubSessionTTL = 10
)

// Hub holds the configuration of the coordinating server electing the
// master device.
//
//nolint:lll
type Hub struct {
	Backend string `long:"backend" description:"The hub backend." choice:"etcd" choice:"memory"`

	Etcd *etcd.Config `group:"etcd" namespace:"etcd" description:"Etcd settings of the hub. The user and password are taken from the auth credential."`

	SessionTTL int `long:"sessionttl" description:"The TTL in seconds of the lease held by a connected device. A master that vanishes frees the role once it expires."`

	Timeout time.Duration `long:"timeout" description:"The timeout of a single hub call."`
}

// DefaultHub returns the default hub config.
func DefaultHub() *Hub {
	return &Hub{
		Backend:    MemoryBackend,
		Etcd:       &etcd.Config{},
		SessionTTL: DefaultHubSessionTTL,
		Timeout:    DefaultHubTimeout,
	}
}

// Validate validates the Hub config.
func (h *Hub) Validate() error {
	if err := validateEtcdBackend("hub", h.Backend, h.Etcd); err != nil {
		return err
	}

	if h.SessionTTL <= 0 {
		return fmt.Errorf("hub.sessionttl must be positive")
	}
	if h.Timeout <= 0 {
		return fmt.Errorf("hub.timeout must be positive")
	}

	return nil
}

// A compile time check to ensure Hub implements the Validator interface.
var _ Validator = (*Hub)(nil)
