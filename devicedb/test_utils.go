package devicedb

import (
	"testing"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

// MakeTestDB creates a device database backed by a temporary bolt file that
// is removed when the test finishes.
func MakeTestDB(t testing.TB, modifiers ...OptionModifier) *DB {
	backend, backendCleanup, err := kvdb.GetTestBackend(
		t.TempDir(), "device",
	)
	require.NoError(t, err)

	t.Cleanup(backendCleanup)

	db, err := CreateWithBackend(backend, modifiers...)
	require.NoError(t, err)

	return db
}
