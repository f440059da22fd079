package cluster

import (
	"context"
	"errors"

	"github.com/btcpayserver/lnsync/auth"
	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// EtcdBackend is the id used when constructing an EtcdCoordinator
	// through the config.
	EtcdBackend = "etcd"

	// MemoryBackend is the id of the in-process hub.
	MemoryBackend = "memory"
)

var (
	// ErrAuthFailed is returned by Connect when the hub rejected the
	// credential.
	ErrAuthFailed = errors.New("hub rejected credential")

	// ErrNotConnected is returned by calls made without an open link.
	ErrNotConnected = errors.New("not connected to hub")
)

// Coordinator is the link to the coordinating server that elects the one
// device of a node allowed to push to the remote store.
type Coordinator interface {
	// Connect opens the link using the credential. Authentication
	// failures are reported as ErrAuthFailed.
	Connect(ctx context.Context, cred auth.Credential) error

	// Close tears the link down. A held master role is released with it.
	Close() error

	// CurrentMaster returns the device currently holding the master
	// role, None if nobody does.
	CurrentMaster(ctx context.Context) fn.Result[fn.Option[devicedb.DeviceID]]

	// ClaimOrReleaseMaster atomically claims the master role for id when
	// wantsMaster is set, or vacates it if id holds it otherwise. The
	// result is whether id holds the role after the call. A failed call
	// is an error result, never a false one.
	ClaimOrReleaseMaster(ctx context.Context, id devicedb.DeviceID,
		wantsMaster bool) fn.Result[bool]

	// MasterChanges delivers every change of the master role observed on
	// the current link. The channel is closed when the link is lost or
	// closed.
	MasterChanges() <-chan fn.Option[devicedb.DeviceID]
}
