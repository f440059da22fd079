package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/btcpayserver/lnsync/events"
	"github.com/btcpayserver/lnsync/lnencrypt"
	"github.com/btcpayserver/lnsync/lnutils"
	"github.com/btcpayserver/lnsync/remotestore"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// actionRank orders actions recorded at the same version.
func actionRank(a devicedb.ActionType) int {
	switch a {
	case devicedb.ActionDelete:
		return 3
	case devicedb.ActionUpdate:
		return 2
	case devicedb.ActionInsert:
		return 1
	default:
		return 0
	}
}

// moreAdvanced reports whether a describes a later state of the key than b.
func moreAdvanced(a, b *devicedb.OutboxItem) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}

	return actionRank(a.Action) > actionRank(b.Action)
}

// drainGroup is every pending outbox item of one key.
type drainGroup struct {
	key  string
	best *devicedb.OutboxItem
	seqs []uint64
}

// groupOutbox collapses the outbox to the most advanced item per key. The
// groups are sorted by key.
func groupOutbox(items []*devicedb.OutboxItem) []*drainGroup {
	byKey := make(map[string]*drainGroup)
	for _, item := range items {
		g, ok := byKey[item.Key]
		if !ok {
			g = &drainGroup{key: item.Key, best: item}
			byKey[item.Key] = g
		}
		if moreAdvanced(item, g.best) {
			g.best = item
		}
		g.seqs = append(g.seqs, item.Seq)
	}

	groups := make([]*drainGroup, 0, len(byKey))
	for _, g := range byKey {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].key < groups[j].key
	})

	return groups
}

// PushToRemote drains the outbox into one transactional remote write stamped
// with revisionToken. Exactly the drained outbox items are removed once the
// remote store accepted the write. When the remote store holds newer data the
// engine pulls it and returns the conflict so the caller retries later.
func (e *Engine) PushToRemote(ctx context.Context, revisionToken string) error {
	e.cycleMtx.Lock()
	defer e.cycleMtx.Unlock()

	err := e.push(ctx, revisionToken)
	e.cfg.Metrics.cycleDone(events.DirectionPush.String(), err)

	return err
}

func (e *Engine) push(ctx context.Context, revisionToken string) error {
	enc, err := e.encrypter()
	if err != nil {
		return err
	}

	items, err := e.cfg.Local.FetchOutbox()
	if err != nil {
		return fmt.Errorf("unable to fetch outbox: %w", err)
	}
	e.cfg.Metrics.outbox(len(items))

	if len(items) == 0 {
		return nil
	}

	groups := groupOutbox(items)

	req, marks, err := e.buildRequest(enc, groups, revisionToken)
	if err != nil {
		return err
	}

	log.Debugf("Pushing %v", req)
	log.Tracef("Drained outbox: %v", lnutils.SpewLogClosure(items))

	err = e.cfg.Remote.PutObject(ctx, req)
	switch {
	case errors.Is(err, remotestore.ErrConflict):
		e.cfg.Metrics.conflict()

		log.Warnf("Push %v rejected, pulling newer remote data: %v",
			req.RequestID, err)

		if pullErr := e.pull(ctx); pullErr != nil {
			return fmt.Errorf("%w (pull after conflict: %v)", err,
				pullErr)
		}

		return err

	case err != nil:
		return fmt.Errorf("push %v failed: %w", req.RequestID, err)
	}

	var drained []uint64
	for _, g := range groups {
		drained = append(drained, g.seqs...)
	}
	if err := e.cfg.Local.DeleteOutboxItems(drained); err != nil {
		return fmt.Errorf("unable to delete drained outbox items: %w",
			err)
	}

	log.Infof("Push %v wrote %d keys and deleted %d keys", req.RequestID,
		len(req.Items), len(req.Deletes))

	e.cfg.Metrics.keysSynced("push", "upsert", len(req.Items))
	e.cfg.Metrics.keysSynced("push", "delete", len(req.Deletes))

	for _, item := range req.Items {
		e.notify(
			item.Key, item.Version, events.DirectionPush,
			marks[item.Key],
		)
	}
	for _, del := range req.Deletes {
		e.notify(
			del.Key, del.Version, events.DirectionPush,
			fn.None[events.ChannelMark](),
		)
	}

	return nil
}

// buildRequest turns the outbox groups into a remote put request. The
// current row is read for every key, so a key recreated after its deletion
// is written and a key deleted after its update is deleted. The channel
// state of every written channel row is returned by key.
func (e *Engine) buildRequest(enc *lnencrypt.Encrypter, groups []*drainGroup,
	revisionToken string) (*remotestore.PutRequest,
	map[string]fn.Option[events.ChannelMark], error) {

	req := &remotestore.PutRequest{
		RevisionToken: revisionToken,
		RequestID:     uuid.New(),
	}
	marks := make(map[string]fn.Option[events.ChannelMark])

	for _, g := range groups {
		row, err := e.cfg.Local.FetchEntity(g.key)
		switch {
		case errors.Is(err, devicedb.ErrEntityNotFound):
			req.Deletes = append(req.Deletes, remotestore.DeleteItem{
				Key:     g.key,
				Version: g.best.Version,
			})
			continue

		case err != nil:
			return nil, nil, fmt.Errorf("unable to fetch %v: %w",
				g.key, err)
		}

		if !row.BackupEligible {
			req.Deletes = append(req.Deletes, remotestore.DeleteItem{
				Key:     g.key,
				Version: row.Version,
			})
			continue
		}

		value, err := sealEntity(enc, row)
		if err != nil {
			return nil, nil, err
		}
		marks[row.Key] = events.ChannelMarkOf(row)

		req.Items = append(req.Items, remotestore.PutItem{
			Key:     row.Key,
			Value:   value,
			Version: row.Version,
		})
	}

	return req, marks, nil
}

// sealEntity serializes and encrypts a row for the remote store.
func sealEntity(enc *lnencrypt.Encrypter,
	row *devicedb.Entity) ([]byte, error) {

	var b bytes.Buffer
	if err := row.Encode(&b); err != nil {
		return nil, fmt.Errorf("unable to encode %v: %w", row.Key, err)
	}

	return enc.Seal(b.Bytes(), []byte(row.Key))
}
