package chanpersist

import (
	"slices"
	"time"

	"github.com/btcpayserver/lnsync/events"
)

// Status is the answer given to the channel engine for a persist request.
type Status uint8

const (
	// StatusCompleted means the state is durable locally and on the
	// remote store.
	StatusCompleted Status = iota

	// StatusInProgress means the state is being persisted. The completion
	// callback fires once it is durable.
	StatusInProgress

	// StatusUnrecoverableError means the state could not be written
	// locally. The channel must not continue operating on it.
	StatusUnrecoverableError
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "Completed"
	case StatusInProgress:
		return "InProgress"
	case StatusUnrecoverableError:
		return "UnrecoverableError"
	default:
		return "Unknown"
	}
}

// pipeline tracks one checkpoint from its local write to the remote
// acknowledgement of that write.
type pipeline struct {
	checkpoint uint64
	ids        []string

	// mark identifies the state this pipeline writes.
	mark events.ChannelMark

	// canonicalID, key and version are set once the local write is done.
	canonicalID string
	key         string
	version     int64

	// localDone is closed after the local write succeeded.
	localDone chan struct{}

	// remoteDone is closed when the remote store acknowledged the write,
	// or after err was set because another state replaced it.
	remoteDone chan struct{}
	err        error

	// async is set when the caller was answered StatusInProgress and
	// therefore expects the completion callback.
	async bool

	created time.Time
}

func newPipeline(ids []string, blob []byte, checkpoint uint64,
	now time.Time) *pipeline {

	return &pipeline{
		checkpoint: checkpoint,
		ids:        ids,
		mark:       events.NewChannelMark(checkpoint, blob),
		localDone:  make(chan struct{}),
		remoteDone: make(chan struct{}),
		created:    now,
	}
}

// written reports whether the local write finished.
func (p *pipeline) written() bool {
	select {
	case <-p.localDone:
		return true
	default:
		return false
	}
}

// matches reports whether the request for ids targets this pipeline's
// channel. Any shared id is enough since ids are aliases of one channel.
func (p *pipeline) matches(ids []string) bool {
	return slices.ContainsFunc(ids, func(id string) bool {
		return id == p.canonicalID || slices.Contains(p.ids, id)
	})
}
