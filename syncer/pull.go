package syncer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/btcpayserver/lnsync/events"
	"github.com/btcpayserver/lnsync/lnencrypt"
	"github.com/btcpayserver/lnsync/lnutils"
	"github.com/btcpayserver/lnsync/remotestore"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

// pullPlan is the outcome of comparing the local and remote listings.
type pullPlan struct {
	deletes []string
	upserts []remotestore.ListingEntry

	// observed are the remote entries at or above the local version.
	observed []remotestore.ListingEntry
}

// planPull decides which local rows a pull removes and which remote entries
// it fetches. A key with pending outbox items is never deleted, nor
// overwritten by a remote version at or below its pending version, since its
// local change has not reached the remote store yet.
func planPull(local map[string]int64, pending map[string]int64,
	remote []remotestore.ListingEntry) *pullPlan {

	plan := &pullPlan{}

	seen := make(map[string]struct{}, len(remote))
	for _, entry := range remote {
		seen[entry.Key] = struct{}{}

		localVersion, haveLocal := local[entry.Key]
		pendingVersion, isPending := pending[entry.Key]

		floor := localVersion
		if isPending && pendingVersion > floor {
			floor = pendingVersion
		}

		switch {
		case entry.Version > floor:
			plan.upserts = append(plan.upserts, entry)
			plan.observed = append(plan.observed, entry)

		case isPending:

		case haveLocal && entry.Version >= localVersion:
			plan.observed = append(plan.observed, entry)
		}
	}

	for key := range local {
		if _, ok := seen[key]; ok {
			continue
		}
		if _, ok := pending[key]; ok {
			continue
		}

		plan.deletes = append(plan.deletes, key)
	}

	return plan
}

// PullFromRemote makes the local store mirror the remote store. Rows missing
// remotely are deleted, newer remote rows are fetched, decrypted and written,
// all in one local transaction with change capture suspended.
func (e *Engine) PullFromRemote(ctx context.Context) error {
	e.cycleMtx.Lock()
	defer e.cycleMtx.Unlock()

	err := e.pull(ctx)
	e.cfg.Metrics.cycleDone(events.DirectionPull.String(), err)

	return err
}

func (e *Engine) pull(ctx context.Context) error {
	enc, err := e.encrypter()
	if err != nil {
		return err
	}

	local, err := e.cfg.Local.ListVersions()
	if err != nil {
		return fmt.Errorf("unable to list local versions: %w", err)
	}

	outbox, err := e.cfg.Local.FetchOutbox()
	if err != nil {
		return fmt.Errorf("unable to fetch outbox: %w", err)
	}
	pending := make(map[string]int64, len(outbox))
	for _, item := range outbox {
		if item.Version > pending[item.Key] {
			pending[item.Key] = item.Version
		}
	}

	remote, err := e.cfg.Remote.ListKeyVersions(ctx)
	if err != nil {
		return fmt.Errorf("unable to list remote keys: %w", err)
	}

	plan := planPull(local, pending, remote)

	upserts, err := e.fetchUpserts(ctx, enc, plan.upserts)
	if err != nil {
		return err
	}

	if len(plan.deletes) > 0 || len(upserts) > 0 {
		err := e.cfg.Local.ApplyRemoteChanges(plan.deletes, upserts)
		if err != nil {
			return fmt.Errorf("unable to apply remote changes: %w",
				err)
		}

		log.Infof("Pulled %d upserts and %d deletions from remote "+
			"store", len(upserts), len(plan.deletes))
		log.Debugf("Deleted keys: %v", lnutils.KeysLogClosure(
			plan.deletes,
		))
	}

	e.cfg.Metrics.keysSynced("pull", "upsert", len(upserts))
	e.cfg.Metrics.keysSynced("pull", "delete", len(plan.deletes))

	marks := make(map[string]fn.Option[events.ChannelMark], len(upserts))
	for _, row := range upserts {
		marks[row.Key] = events.ChannelMarkOf(row)
	}
	for _, entry := range plan.observed {
		mark, ok := marks[entry.Key]
		if !ok {
			mark = e.localMark(entry.Key)
		}

		e.notify(entry.Key, entry.Version, events.DirectionPull, mark)
	}

	return nil
}

// localMark returns the channel mark of the local row of key. It is used for
// keys the remote store holds at the local version, where both rows are the
// same.
func (e *Engine) localMark(key string) fn.Option[events.ChannelMark] {
	kind, err := devicedb.KindFromKey(key)
	if err != nil || kind != devicedb.KindChannel {
		return fn.None[events.ChannelMark]()
	}

	row, err := e.cfg.Local.FetchEntity(key)
	if err != nil {
		log.Debugf("Unable to read local row of %v: %v", key, err)

		return fn.None[events.ChannelMark]()
	}

	return events.ChannelMarkOf(row)
}

// fetchUpserts resolves the body of every entry, fetching the ones the
// listing did not inline, and decodes them into rows carrying the remote
// version.
func (e *Engine) fetchUpserts(ctx context.Context, enc *lnencrypt.Encrypter,
	entries []remotestore.ListingEntry) ([]*devicedb.Entity, error) {

	rows := make([]*devicedb.Entity, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FetchConcurrency)

	for i, entry := range entries {
		g.Go(func() error {
			body, err := entry.Value.UnwrapOrFuncErr(
				func() ([]byte, error) {
					return e.cfg.Remote.GetObject(
						gctx, entry.Key,
					)
				},
			)
			if err != nil {
				return fmt.Errorf("unable to fetch %v: %w",
					entry.Key, err)
			}

			row, err := OpenEntity(enc, entry, body)
			if err != nil {
				return err
			}
			rows[i] = row

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return rows, nil
}

// OpenEntity decrypts a remote value and decodes the row it carries. The
// entity key is bound as associated data so a value cannot be replayed under
// another key.
func OpenEntity(enc *lnencrypt.Encrypter, entry remotestore.ListingEntry,
	body []byte) (*devicedb.Entity, error) {

	plain, err := enc.Open(body, []byte(entry.Key))
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt %v: %w", entry.Key,
			err)
	}

	row, err := devicedb.DecodeEntity(entry.Key, bytes.NewReader(plain))
	if err != nil {
		return nil, err
	}

	kind, err := devicedb.KindFromKey(entry.Key)
	if err != nil {
		return nil, err
	}
	if kind != row.Kind {
		return nil, fmt.Errorf("%w: %v carries kind %v",
			devicedb.ErrCorruptRecord, entry.Key, row.Kind)
	}

	row.Version = entry.Version
	row.BackupEligible = true

	return row, nil
}
