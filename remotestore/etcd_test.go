//go:build kvdb_etcd
// +build kvdb_etcd

package remotestore

import (
	"context"
	"testing"

	"github.com/btcpayserver/lnsync/etcdconn"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

// TestEtcdStore runs the store test suite against an embedded etcd instance,
// each case in its own namespace.
func TestEtcdStore(t *testing.T) {
	cfg, cleanup, err := kvdb.StartEtcdTestBackend(t.TempDir(), 0, 0, "")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	runStoreTests(t, func(t *testing.T) Store {
		nsCfg := *cfg
		nsCfg.Namespace = t.Name() + "/"

		cli, err := etcdconn.Dial(
			context.Background(), &nsCfg, etcdPrefix, 0,
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = cli.Close()
		})

		return NewEtcdStoreFromClient(cli, DefaultInlineLimit)
	})
}
