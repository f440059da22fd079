//go:build kvdb_etcd
// +build kvdb_etcd

package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/btcpayserver/lnsync/auth"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

// TestEtcdCoordinator runs the coordinator suite against an embedded etcd
// instance.
func TestEtcdCoordinator(t *testing.T) {
	cfg, cleanup, err := kvdb.StartEtcdTestBackend(t.TempDir(), 0, 0, "")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	for _, tc := range coordinatorTests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			nsCfg := *cfg
			nsCfg.Namespace = t.Name() + "/"

			tc.test(t, func(t *testing.T) Coordinator {
				link := NewEtcdCoordinator(
					&nsCfg, 5*time.Second, 2,
				)
				require.NoError(t, link.Connect(
					context.Background(),
					testCredFor(nsCfg.User, nsCfg.Pass),
				))
				t.Cleanup(func() {
					_ = link.Close()
				})

				return link
			})
		})
	}
}

func testCredFor(user, pass string) auth.Credential {
	return auth.Credential{User: user, Password: pass}
}
