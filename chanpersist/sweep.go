package chanpersist

import (
	"context"
	"fmt"
	"time"

	"github.com/btcpayserver/lnsync/events"
	"github.com/btcpayserver/lnsync/lnencrypt"
	"github.com/btcpayserver/lnsync/lnutils"
	"github.com/btcpayserver/lnsync/syncer"
)

// sweepTimeout bounds the remote listing of one sweep.
const sweepTimeout = 30 * time.Second

// sweep reconciles the pending pipelines with the remote listing. A pipeline
// can miss its acknowledgement event, for example when its write was already
// replicated before a restart, so the sweep opens the remote value of every
// pending key held at or above the pending version and observes the channel
// state it carries. Pipelines older than AckTimeout are reported.
func (c *Coordinator) sweep(ctx context.Context) {
	keys, overdue := c.pendingKeys()
	for _, p := range overdue {
		log.Warnf("Channel %v checkpoint %d waiting for remote "+
			"acknowledgement of version %d since %v", p.canonicalID,
			p.checkpoint, p.version, p.created)
	}

	if len(keys) == 0 {
		return
	}

	log.Tracef("Reconciliation sweep pending versions: %v",
		lnutils.NewLogClosure(func() string {
			return fmt.Sprintf("%v", keys)
		}))

	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	entries, err := c.cfg.Remote.ListKeyVersions(ctx)
	if err != nil {
		log.Warnf("Reconciliation sweep unable to list remote "+
			"store: %v", err)

		return
	}

	enc, err := lnencrypt.EncrypterFromStore(c.cfg.KeyStore)
	if err != nil {
		log.Warnf("Reconciliation sweep unable to load encryption "+
			"key: %v", err)

		return
	}

	var checked int
	for _, entry := range entries {
		version, ok := keys[entry.Key]
		if !ok || entry.Version < version {
			continue
		}

		body, err := entry.Value.UnwrapOrFuncErr(
			func() ([]byte, error) {
				return c.cfg.Remote.GetObject(ctx, entry.Key)
			},
		)
		if err != nil {
			log.Warnf("Reconciliation sweep unable to fetch %v: %v",
				entry.Key, err)
			continue
		}

		row, err := syncer.OpenEntity(enc, entry, body)
		if err != nil {
			log.Errorf("Reconciliation sweep unable to open %v: %v",
				entry.Key, err)
			continue
		}

		c.observe(entry.Key, entry.Version, events.ChannelMarkOf(row))
		checked++
	}

	log.Debugf("Reconciliation sweep checked %d channels, %d held "+
		"remotely at or above the pending version", len(keys), checked)
}

// pendingKeys returns the lowest pending version per channel key of the
// locally written pipelines, and the pipelines that are overdue.
func (c *Coordinator) pendingKeys() (map[string]int64, []pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()

	keys := make(map[string]int64)
	var overdue []pipeline
	for _, ps := range c.pipelines {
		for _, p := range ps {
			if !p.written() {
				continue
			}

			if v, ok := keys[p.key]; !ok || p.version < v {
				keys[p.key] = p.version
			}

			if now.Sub(p.created) > c.cfg.AckTimeout {
				overdue = append(overdue, *p)
			}
		}
	}

	return keys, overdue
}
