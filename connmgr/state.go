package connmgr

import (
	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ConnectionState is the state of the device's link to the hub and of its
// role in the sync topology.
type ConnectionState uint8

const (
	// StateInit is the state before the machine started.
	StateInit ConnectionState = iota

	// StateWaitingForAuth waits for a credential.
	StateWaitingForAuth

	// StateConnecting opens the hub link.
	StateConnecting

	// StateSyncing runs the initial sync cycle of a fresh link or role
	// change.
	StateSyncing

	// StateWaitingForEncryptionKey waits for the root secret to be
	// imported. Nothing is synced meanwhile.
	StateWaitingForEncryptionKey

	// StateDisconnected is entered when the hub link was lost.
	StateDisconnected

	// StateConnectedAsMaster pushes local changes continuously.
	StateConnectedAsMaster

	// StateConnectedAsSlave pulls remote changes continuously.
	StateConnectedAsSlave

	// StateConnectedFinishedInitialSync decides the device's role once
	// the initial sync cycle finished.
	StateConnectedFinishedInitialSync
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateWaitingForAuth:
		return "WaitingForAuth"
	case StateConnecting:
		return "Connecting"
	case StateSyncing:
		return "Syncing"
	case StateWaitingForEncryptionKey:
		return "WaitingForEncryptionKey"
	case StateDisconnected:
		return "Disconnected"
	case StateConnectedAsMaster:
		return "ConnectedAsMaster"
	case StateConnectedAsSlave:
		return "ConnectedAsSlave"
	case StateConnectedFinishedInitialSync:
		return "ConnectedFinishedInitialSync"
	default:
		return "Unknown"
	}
}

// connected reports whether the state holds an established role.
func (s ConnectionState) connected() bool {
	return s == StateConnectedAsMaster || s == StateConnectedAsSlave
}

// input is an item of the state machine's queue. The queue is drained by a
// single goroutine, one input at a time.
type input interface {
	inputSealed()
}

// transition requests entering a state. It is dropped unless epoch is still
// the machine's epoch when it is handled.
type transition struct {
	to    ConnectionState
	epoch uint64
}

// credentialChanged reports a login, logout or refresh of the credential.
type credentialChanged struct {
	loggedOut bool
}

// masterChanged carries a master role change observed on hub link number
// link.
type masterChanged struct {
	master fn.Option[devicedb.DeviceID]
	link   uint64
}

// linkLost reports the loss of hub link number link.
type linkLost struct {
	link uint64
}

// keyImported reports that the root secret was imported.
type keyImported struct{}

// downgradeRequested asks the device to give up the master role.
type downgradeRequested struct{}

func (transition) inputSealed()         {}
func (credentialChanged) inputSealed()  {}
func (masterChanged) inputSealed()      {}
func (linkLost) inputSealed()           {}
func (keyImported) inputSealed()        {}
func (downgradeRequested) inputSealed() {}
