package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcpayserver/lnsync/auth"
	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/btcpayserver/lnsync/etcdconn"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb/etcd"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// etcdPrefix scopes the hub inside the configured namespace.
	etcdPrefix = "hub/"

	// masterKey holds the id of the master device. It is bound to the
	// master's session lease so a vanished master frees the role.
	masterKey = "master"

	// DefaultSessionTTL is the lease TTL, in seconds, of the hub session.
	DefaultSessionTTL = 10
)

// EtcdCoordinator is a Coordinator using etcd as the election governor. The
// role is claimed with a compare-and-swap transaction on the master key.
type EtcdCoordinator struct {
	cfg        etcd.Config
	timeout    time.Duration
	sessionTTL int

	mu      sync.Mutex
	cli     *clientv3.Client
	session *concurrency.Session
	changes chan fn.Option[devicedb.DeviceID]
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// A compile time check to ensure EtcdCoordinator implements the Coordinator
// interface.
var _ Coordinator = (*EtcdCoordinator)(nil)

// NewEtcdCoordinator creates an unconnected coordinator. The credential
// passed to Connect replaces the user and password of cfg.
func NewEtcdCoordinator(cfg *etcd.Config, timeout time.Duration,
	sessionTTL int) *EtcdCoordinator {

	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}

	return &EtcdCoordinator{
		cfg:        *cfg,
		timeout:    timeout,
		sessionTTL: sessionTTL,
	}
}

// isAuthError reports whether err, or any error it wraps, is etcd rejecting
// the credential.
func isAuthError(err error) bool {
	for ; err != nil; err = errors.Unwrap(err) {
		switch rpctypes.Error(err) {
		case rpctypes.ErrAuthFailed, rpctypes.ErrInvalidAuthToken,
			rpctypes.ErrPermissionDenied:

			return true
		}
	}

	return false
}

// Connect dials etcd, opens the lease session and starts watching the master
// key.
func (e *EtcdCoordinator) Connect(ctx context.Context,
	cred auth.Credential) error {

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cli != nil {
		e.closeLocked()
	}

	cfg := e.cfg
	cfg.User = cred.User
	cfg.Pass = cred.Password

	cli, err := etcdconn.Dial(ctx, &cfg, etcdPrefix, e.timeout)
	if err != nil {
		if isAuthError(err) {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}

		return err
	}

	session, err := concurrency.NewSession(
		cli, concurrency.WithTTL(e.sessionTTL),
	)
	if err != nil {
		_ = cli.Close()
		if isAuthError(err) {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}

		return fmt.Errorf("unable to start hub session: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	changes := make(chan fn.Option[devicedb.DeviceID], 16)

	e.cli = cli
	e.session = session
	e.changes = changes
	e.cancel = cancel

	wch := cli.Watch(watchCtx, masterKey)

	e.wg.Add(1)
	go e.watchMaster(watchCtx, wch, session, changes)

	log.Infof("Connected to hub at %v as %v", e.cfg.Host, cred.User)

	return nil
}

// watchMaster forwards changes of the master key until the link is lost.
//
// NOTE: MUST be run as a goroutine.
func (e *EtcdCoordinator) watchMaster(ctx context.Context,
	wch clientv3.WatchChan, session *concurrency.Session,
	changes chan fn.Option[devicedb.DeviceID]) {

	defer e.wg.Done()
	defer close(changes)

	send := func(master fn.Option[devicedb.DeviceID]) bool {
		select {
		case changes <- master:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case resp, ok := <-wch:
			if !ok {
				log.Warnf("Hub watch closed")
				return
			}
			if err := resp.Err(); err != nil {
				log.Warnf("Hub watch failed: %v", err)
				return
			}

			for _, ev := range resp.Events {
				master := fn.None[devicedb.DeviceID]()
				if ev.Type == clientv3.EventTypePut {
					id, err := devicedb.ParseDeviceID(
						string(ev.Kv.Value),
					)
					if err != nil {
						log.Errorf("Invalid master "+
							"value: %v", err)
						continue
					}
					master = fn.Some(id)
				}

				if !send(master) {
					return
				}
			}

		case <-session.Done():
			log.Warnf("Hub session expired")
			return

		case <-ctx.Done():
			return
		}
	}
}

// link returns the current client, or ErrNotConnected.
func (e *EtcdCoordinator) link() (*clientv3.Client, *concurrency.Session,
	error) {

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cli == nil {
		return nil, nil, ErrNotConnected
	}

	return e.cli, e.session, nil
}

// CurrentMaster reads the master key.
func (e *EtcdCoordinator) CurrentMaster(
	ctx context.Context) fn.Result[fn.Option[devicedb.DeviceID]] {

	cli, _, err := e.link()
	if err != nil {
		return fn.Err[fn.Option[devicedb.DeviceID]](err)
	}

	resp, err := cli.Get(ctx, masterKey)
	if err != nil {
		return fn.Err[fn.Option[devicedb.DeviceID]](err)
	}
	if len(resp.Kvs) == 0 {
		return fn.Ok(fn.None[devicedb.DeviceID]())
	}

	id, err := devicedb.ParseDeviceID(string(resp.Kvs[0].Value))
	if err != nil {
		return fn.Err[fn.Option[devicedb.DeviceID]](err)
	}

	return fn.Ok(fn.Some(id))
}

// ClaimOrReleaseMaster claims the master key only if it doesn't exist, or
// deletes it only if it holds id.
func (e *EtcdCoordinator) ClaimOrReleaseMaster(ctx context.Context,
	id devicedb.DeviceID, wantsMaster bool) fn.Result[bool] {

	cli, session, err := e.link()
	if err != nil {
		return fn.Err[bool](err)
	}

	value := id.String()

	if !wantsMaster {
		_, err := cli.Txn(ctx).
			If(clientv3.Compare(
				clientv3.Value(masterKey), "=", value,
			)).
			Then(clientv3.OpDelete(masterKey)).
			Commit()
		if err != nil {
			return fn.Err[bool](err)
		}

		log.Infof("Device %v released master role", id)

		return fn.Ok(false)
	}

	resp, err := cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(masterKey), "=", 0)).
		Then(clientv3.OpPut(
			masterKey, value, clientv3.WithLease(session.Lease()),
		)).
		Else(clientv3.OpGet(masterKey)).
		Commit()
	if err != nil {
		return fn.Err[bool](err)
	}

	if resp.Succeeded {
		log.Infof("Device %v claimed master role", id)
		return fn.Ok(true)
	}

	// The key exists. We still hold the role if it carries our id.
	getResp := resp.Responses[0].GetResponseRange()
	if getResp != nil && len(getResp.Kvs) > 0 &&
		string(getResp.Kvs[0].Value) == value {

		return fn.Ok(true)
	}

	return fn.Ok(false)
}

// MasterChanges returns the change channel of the current link. Without a
// link the returned channel is already closed.
func (e *EtcdCoordinator) MasterChanges() <-chan fn.Option[devicedb.DeviceID] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.changes == nil {
		closed := make(chan fn.Option[devicedb.DeviceID])
		close(closed)

		return closed
	}

	return e.changes
}

// Close revokes the session, which drops a held master key, and closes the
// client.
func (e *EtcdCoordinator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closeLocked()
}

// closeLocked tears the link down.
//
// NOTE: e.mu must be held.
func (e *EtcdCoordinator) closeLocked() error {
	if e.cli == nil {
		return nil
	}

	e.cancel()
	e.wg.Wait()

	var errs []error
	if err := e.session.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.cli.Close(); err != nil {
		errs = append(errs, err)
	}

	e.cli = nil
	e.session = nil
	e.changes = nil
	e.cancel = nil

	log.Infof("Disconnected from hub")

	return errors.Join(errs...)
}
