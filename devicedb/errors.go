package devicedb

import "errors"

var (
	// ErrEntityNotFound is returned when the requested entity key has no
	// row in the store.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrChannelNotFound is returned when no channel record is indexed
	// under the requested alias.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrStaleCheckpoint is returned when a channel state is persisted
	// with a checkpoint lower than the one already stored for it.
	ErrStaleCheckpoint = errors.New("checkpoint is older than stored " +
		"channel state")

	// ErrAliasConflict is returned when the alias ids of a single persist
	// request resolve to two different channels.
	ErrAliasConflict = errors.New("alias ids resolve to different " +
		"channels")

	// ErrNoAliases is returned when a channel state is persisted without
	// any id.
	ErrNoAliases = errors.New("at least one channel id is required")

	// ErrCorruptRecord is returned when a stored row cannot be decoded.
	// Callers must not continue operating on the affected data.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrDBReversion is returned when detecting an attempt to revert to a
	// prior database version.
	ErrDBReversion = errors.New("cannot revert to prior version")

	// ErrMetaNotFound is returned when the meta bucket hasn't been
	// created.
	ErrMetaNotFound = errors.New("unable to locate meta information")
)
