// Package etcdconn opens namespaced etcd client connections from the
// kvdb etcd configuration.
package etcdconn

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/kvdb/etcd"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"
)

const (
	// DefaultConnectionTimeout is the timeout until successful connection
	// to the etcd instance.
	DefaultConnectionTimeout = 10 * time.Second
)

// Dial connects to the etcd cluster described by cfg and scopes every key,
// watch and lease of the returned client to cfg.Namespace plus the passed
// prefix.
func Dial(ctx context.Context, cfg *etcd.Config, prefix string,
	timeout time.Duration) (*clientv3.Client, error) {

	if cfg.Host == "" {
		return nil, fmt.Errorf("etcd host must be set")
	}
	if timeout == 0 {
		timeout = DefaultConnectionTimeout
	}

	clientCfg := clientv3.Config{
		Context:     ctx,
		Endpoints:   []string{cfg.Host},
		DialTimeout: timeout,
		Username:    cfg.User,
		Password:    cfg.Pass,
	}

	if !cfg.DisableTLS {
		tlsInfo := transport.TLSInfo{
			CertFile:           cfg.CertFile,
			KeyFile:            cfg.KeyFile,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}

		tlsConfig, err := tlsInfo.ClientConfig()
		if err != nil {
			return nil, err
		}

		clientCfg.TLS = tlsConfig
	}

	cli, err := clientv3.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to etcd: %w", err)
	}

	// Apply the namespace.
	ns := cfg.Namespace + prefix
	cli.KV = namespace.NewKV(cli.KV, ns)
	cli.Watcher = namespace.NewWatcher(cli.Watcher, ns)
	cli.Lease = namespace.NewLease(cli.Lease, ns)

	return cli, nil
}
