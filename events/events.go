// Package events defines the typed events exchanged between the sync
// subsystems and delivers them over an asynchronous bus.
package events

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Kind tags every event variant.
type Kind uint8

const (
	// KindLoggedIn tags LoggedIn.
	KindLoggedIn Kind = iota + 1

	// KindLoggedOut tags LoggedOut.
	KindLoggedOut

	// KindTokenRefreshed tags TokenRefreshed.
	KindTokenRefreshed

	// KindMasterChanged tags MasterChanged.
	KindMasterChanged

	// KindRemoteWriteObserved tags RemoteWriteObserved.
	KindRemoteWriteObserved

	// KindEncryptionKeyImported tags EncryptionKeyImported.
	KindEncryptionKeyImported

	// KindDowngradeRequested tags DowngradeRequested.
	KindDowngradeRequested
)

// String returns the name of the event kind.
func (k Kind) String() string {
	switch k {
	case KindLoggedIn:
		return "LoggedIn"
	case KindLoggedOut:
		return "LoggedOut"
	case KindTokenRefreshed:
		return "TokenRefreshed"
	case KindMasterChanged:
		return "MasterChanged"
	case KindRemoteWriteObserved:
		return "RemoteWriteObserved"
	case KindEncryptionKeyImported:
		return "EncryptionKeyImported"
	case KindDowngradeRequested:
		return "DowngradeRequested"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Event is the closed set of event variants. Only this package can add
// variants.
type Event interface {
	// Kind returns the tag of the variant.
	Kind() Kind

	sealed()
}

// LoggedIn is published once the session provider holds a credential.
type LoggedIn struct {
	User string
}

// Kind returns KindLoggedIn.
func (LoggedIn) Kind() Kind { return KindLoggedIn }
func (LoggedIn) sealed()    {}

// LoggedOut is published when the credential was removed.
type LoggedOut struct{}

// Kind returns KindLoggedOut.
func (LoggedOut) Kind() Kind { return KindLoggedOut }
func (LoggedOut) sealed()    {}

// TokenRefreshed is published after the session provider renewed the
// credential.
type TokenRefreshed struct{}

// Kind returns KindTokenRefreshed.
func (TokenRefreshed) Kind() Kind { return KindTokenRefreshed }
func (TokenRefreshed) sealed()    {}

// MasterChanged is published by the hub link whenever the master device
// changes. Master is None when no device holds the role.
type MasterChanged struct {
	Master fn.Option[devicedb.DeviceID]
}

// Kind returns KindMasterChanged.
func (MasterChanged) Kind() Kind { return KindMasterChanged }
func (MasterChanged) sealed()    {}

// String describes the new master.
func (m MasterChanged) String() string {
	return fn.ElimOption(
		m.Master,
		func() string { return "master=none" },
		func(id devicedb.DeviceID) string {
			return "master=" + id.String()
		},
	)
}

// Direction is the sync direction that observed a remote write.
type Direction uint8

const (
	// DirectionPush marks a write confirmed by our own push.
	DirectionPush Direction = iota + 1

	// DirectionPull marks a write seen in the remote listing.
	DirectionPull
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionPush:
		return "push"
	case DirectionPull:
		return "pull"
	default:
		return "unknown"
	}
}

// ChannelMark identifies the channel state held by a channel row.
type ChannelMark struct {
	// Checkpoint is the checkpoint the state was persisted at.
	Checkpoint uint64

	// DataHash is the SHA-256 of the state blob.
	DataHash [sha256.Size]byte
}

// NewChannelMark returns the mark of blob persisted at checkpoint.
func NewChannelMark(checkpoint uint64, blob []byte) ChannelMark {
	return ChannelMark{
		Checkpoint: checkpoint,
		DataHash:   sha256.Sum256(blob),
	}
}

// ChannelMarkOf returns the mark of the state a channel row carries. Rows of
// other kinds and rows that don't decode carry none.
func ChannelMarkOf(row *devicedb.Entity) fn.Option[ChannelMark] {
	if row == nil || row.Kind != devicedb.KindChannel {
		return fn.None[ChannelMark]()
	}

	state, err := devicedb.DecodeChannelState(bytes.NewReader(row.Data))
	if err != nil {
		return fn.None[ChannelMark]()
	}

	return fn.Some(NewChannelMark(state.Checkpoint, state.Data))
}

// RemoteWriteObserved reports that the remote store holds Key at Version.
type RemoteWriteObserved struct {
	Key     string
	Version int64
	Via     Direction

	// Channel identifies the stored state when Key is a channel key.
	Channel fn.Option[ChannelMark]
}

// Kind returns KindRemoteWriteObserved.
func (RemoteWriteObserved) Kind() Kind { return KindRemoteWriteObserved }
func (RemoteWriteObserved) sealed()    {}

// EncryptionKeyImported is published after a key was placed in the local
// keystore.
type EncryptionKeyImported struct {
	Fingerprint string
}

// Kind returns KindEncryptionKeyImported.
func (EncryptionKeyImported) Kind() Kind { return KindEncryptionKeyImported }
func (EncryptionKeyImported) sealed()    {}

// DowngradeRequested asks the device to give up the master role.
type DowngradeRequested struct{}

// Kind returns KindDowngradeRequested.
func (DowngradeRequested) Kind() Kind { return KindDowngradeRequested }
func (DowngradeRequested) sealed()    {}
