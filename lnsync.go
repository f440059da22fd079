package lnsync

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/btcpayserver/lnsync/auth"
	"github.com/btcpayserver/lnsync/build"
	"github.com/btcpayserver/lnsync/chanpersist"
	"github.com/btcpayserver/lnsync/cluster"
	"github.com/btcpayserver/lnsync/connmgr"
	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/btcpayserver/lnsync/events"
	"github.com/btcpayserver/lnsync/lncfg"
	"github.com/btcpayserver/lnsync/lnencrypt"
	"github.com/btcpayserver/lnsync/monitoring"
	"github.com/btcpayserver/lnsync/remotestore"
	"github.com/btcpayserver/lnsync/signal"
	"github.com/btcpayserver/lnsync/syncer"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/healthcheck"
)

// ChannelCompletion is called once a persisted channel state is durable on
// the remote store.
type ChannelCompletion func(canonicalID string, checkpoint uint64)

// Node is one running device: its local database, the link to the hub and
// the remote store, and the subsystems reconciling them.
type Node struct {
	cfg         *Config
	interceptor signal.Interceptor

	deviceID devicedb.DeviceID
	db       *devicedb.DB
	keyStore lnencrypt.KeyStore
	remote   remotestore.Store
	hub      cluster.Coordinator

	bus     *events.Bus
	session *auth.Session
	engine  *syncer.Engine
	persist *chanpersist.Coordinator
	conn    *connmgr.Manager

	detachPersist func()
	healthMonitor *healthcheck.Monitor
	exporter      *monitoring.Exporter

	completionMtx sync.RWMutex
	completion    ChannelCompletion

	started sync.Once
	stopped sync.Once
}

// NewNode opens the local database and creates every subsystem of the node.
// Nothing runs until Start is called.
func NewNode(ctx context.Context, cfg *Config,
	interceptor signal.Interceptor) (*Node, error) {

	n := &Node{
		cfg:         cfg,
		interceptor: interceptor,
		keyStore:    lnencrypt.NewFileKeyStore(cfg.KeyFile),
	}

	var (
		syncMetrics      *syncer.Metrics
		persistMetrics   *chanpersist.Metrics
		err              error
		cleanupOnFailure = true
	)
	defer func() {
		if cleanupOnFailure {
			n.closeResources()
		}
	}()

	if cfg.Prometheus.Enabled() {
		n.exporter, err = monitoring.NewExporter(cfg.Prometheus)
		if err != nil {
			return nil, err
		}

		syncMetrics, err = syncer.NewMetrics(n.exporter.Registerer())
		if err != nil {
			return nil, err
		}
		persistMetrics, err = chanpersist.NewMetrics(
			n.exporter.Registerer(),
		)
		if err != nil {
			return nil, err
		}
	}

	backend, err := cfg.DB.GetBackend(
		ctx, cfg.deviceDBDir(), devicedb.DBName(),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to open device database: %w", err)
	}
	n.db, err = devicedb.CreateWithBackend(backend)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("unable to initialize device database: "+
			"%w", err)
	}

	n.deviceID, err = n.db.FetchOrCreateDeviceID()
	if err != nil {
		return nil, err
	}
	lnsdLog.Infof("Running as device %v", n.deviceID)

	n.remote, err = openRemote(ctx, cfg.Remote)
	if err != nil {
		return nil, err
	}
	n.hub = openHub(cfg.Hub)

	n.bus = events.NewBus()

	refresher := fn.None[auth.Refresher]()
	if cfg.Auth.CredentialFile != "" {
		refresher = fn.Some(auth.FileRefresher(cfg.Auth.CredentialFile))
	}
	n.session = auth.NewSession(n.bus, refresher)

	n.engine = syncer.New(&syncer.Config{
		Local:            n.db,
		Remote:           n.remote,
		KeyStore:         n.keyStore,
		Notifier:         n.bus,
		Interval:         cfg.Sync.Interval,
		FetchConcurrency: cfg.Sync.FetchConcurrency,
		Metrics:          syncMetrics,
	})

	// The sweep reads the remote listing, which only an acknowledged
	// deployment has.
	var sweepRemote remotestore.Store
	if !cfg.Persist.NoRemoteAck {
		sweepRemote = n.remote
	}
	n.persist = chanpersist.New(&chanpersist.Config{
		Store:         n.db,
		Remote:        sweepRemote,
		KeyStore:      n.keyStore,
		OnComplete:    n.channelPersisted,
		NoRemoteAck:   cfg.Persist.NoRemoteAck,
		AckTimeout:    cfg.Persist.AckTimeout,
		SweepSchedule: cfg.Persist.SweepSchedule,
		Metrics:       persistMetrics,
	})

	n.conn = connmgr.New(&connmgr.Config{
		DeviceID:    n.deviceID,
		Hub:         n.hub,
		Auth:        n.session,
		Sync:        n.engine,
		Bus:         n.bus,
		RetryDelay:  cfg.Sync.RetryDelay,
		CallTimeout: cfg.Hub.Timeout,
	})

	if cfg.HealthChecks.DiskCheck.Attempts > 0 {
		n.healthMonitor = n.newHealthMonitor()
	}

	cleanupOnFailure = false

	return n, nil
}

// openRemote connects to the configured remote store.
func openRemote(ctx context.Context,
	cfg *lncfg.Remote) (remotestore.Store, error) {

	if cfg.Backend == lncfg.EtcdBackend {
		store, err := remotestore.NewEtcdStore(
			ctx, cfg.Etcd, cfg.Timeout, cfg.InlineLimit,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to open remote store: %w",
				err)
		}

		return store, nil
	}

	lnsdLog.Warnf("Using the in-memory remote store, remote state is " +
		"lost on shutdown")

	store := remotestore.NewMemStore()
	store.SetInlineLimit(cfg.InlineLimit)

	return store, nil
}

// openHub creates the unconnected link to the configured hub.
func openHub(cfg *lncfg.Hub) cluster.Coordinator {
	if cfg.Backend == lncfg.EtcdBackend {
		return cluster.NewEtcdCoordinator(
			cfg.Etcd, cfg.Timeout, cfg.SessionTTL,
		)
	}

	return cluster.NewMemHub().NewCoordinator()
}

// newHealthMonitor observes the free space of the volume holding the device
// database and requests a shutdown once the check keeps failing.
func (n *Node) newHealthMonitor() *healthcheck.Monitor {
	diskCfg := n.cfg.HealthChecks.DiskCheck
	dbDir := n.cfg.deviceDBDir()

	diskCheck := healthcheck.NewObservation(
		"disk space",
		func() error {
			free, err := healthcheck.AvailableDiskSpaceRatio(dbDir)
			if err != nil {
				return err
			}

			// Fail if we have less than the configured ratio of
			// space remaining.
			if free < diskCfg.RequiredRemaining {
				return fmt.Errorf("require: %v free space, "+
					"got: %v", diskCfg.RequiredRemaining,
					free)
			}

			return nil
		},
		diskCfg.Interval, diskCfg.Timeout, diskCfg.Backoff,
		diskCfg.Attempts,
	)

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{diskCheck},
		Shutdown: func(format string, params ...interface{}) {
			lnsdLog.Errorf("Health check: "+format, params...)
			n.interceptor.RequestShutdown()
		},
	})
}

// Start launches the subsystems and logs in with the configured credential,
// if any.
func (n *Node) Start() error {
	var err error
	n.started.Do(func() {
		err = n.start()
	})

	return err
}

func (n *Node) start() error {
	if n.healthMonitor != nil {
		if err := n.healthMonitor.Start(); err != nil {
			return fmt.Errorf("unable to start health monitor: %w",
				err)
		}
	}

	if n.exporter != nil {
		if err := n.exporter.Start(); err != nil {
			return fmt.Errorf("unable to start prometheus "+
				"exporter: %w", err)
		}
	}

	if err := n.bus.Start(); err != nil {
		return err
	}

	reg := events.NewRegistry()
	n.persist.RegisterHandlers(reg)
	detach, err := n.bus.Attach(reg)
	if err != nil {
		return err
	}
	n.detachPersist = detach

	if err := n.persist.Start(); err != nil {
		return err
	}

	if err := n.conn.Start(); err != nil {
		return err
	}

	cred, err := n.initialCredential()
	if err != nil {
		return err
	}
	if cred.IsSome() {
		return n.session.Login(cred.UnsafeFromSome())
	}

	lnsdLog.Infof("No credential configured, waiting for login")

	return nil
}

// initialCredential returns the configured credential, reading it from the
// credential file when one is set.
func (n *Node) initialCredential() (fn.Option[auth.Credential], error) {
	switch {
	case n.cfg.Auth.Credential != "":
		cred, err := auth.ParseCredential(n.cfg.Auth.Credential)
		if err != nil {
			return fn.None[auth.Credential](), err
		}

		return fn.Some(cred), nil

	case n.cfg.Auth.CredentialFile != "":
		raw, err := os.ReadFile(n.cfg.Auth.CredentialFile)
		if err != nil {
			return fn.None[auth.Credential](), fmt.Errorf("unable "+
				"to read credential file: %w", err)
		}

		cred, err := auth.ParseCredential(string(raw))
		if err != nil {
			return fn.None[auth.Credential](), err
		}

		return fn.Some(cred), nil
	}

	return fn.None[auth.Credential](), nil
}

// Stop shuts the node down. Pending persist requests are abandoned.
func (n *Node) Stop() error {
	n.stopped.Do(func() {
		lnsdLog.Infof("Shutting down device %v", n.deviceID)

		if err := n.conn.Stop(); err != nil {
			lnsdLog.Errorf("Unable to stop connection manager: %v",
				err)
		}
		n.persist.Stop()
		if n.detachPersist != nil {
			n.detachPersist()
		}
		n.engine.Stop()

		if err := n.bus.Stop(); err != nil {
			lnsdLog.Errorf("Unable to stop event bus: %v", err)
		}

		if n.healthMonitor != nil {
			if err := n.healthMonitor.Stop(); err != nil {
				lnsdLog.Errorf("Unable to stop health "+
					"monitor: %v", err)
			}
		}

		if n.exporter != nil {
			if err := n.exporter.Stop(); err != nil {
				lnsdLog.Errorf("Unable to stop prometheus "+
					"exporter: %v", err)
			}
		}

		n.closeResources()
	})

	return nil
}

// closeResources releases the remote store connection and the database.
func (n *Node) closeResources() {
	if closer, ok := n.remote.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			lnsdLog.Errorf("Unable to close remote store: %v", err)
		}
	}

	if n.db != nil {
		if err := n.db.Close(); err != nil {
			lnsdLog.Errorf("Unable to close device database: %v",
				err)
		}
	}
}

// channelPersisted forwards a resolved pipeline to the registered
// completion callback.
func (n *Node) channelPersisted(canonicalID string, checkpoint uint64) {
	lnsdLog.Debugf("Channel %v durable at checkpoint %d", canonicalID,
		checkpoint)

	n.completionMtx.RLock()
	completion := n.completion
	n.completionMtx.RUnlock()

	if completion != nil {
		completion(canonicalID, checkpoint)
	}
}

// SetChannelCompletion registers the callback of the payment channel
// engine. It replaces any earlier one.
func (n *Node) SetChannelCompletion(f ChannelCompletion) {
	n.completionMtx.Lock()
	defer n.completionMtx.Unlock()

	n.completion = f
}

// DeviceID returns the identity of this device.
func (n *Node) DeviceID() devicedb.DeviceID {
	return n.deviceID
}

// ChannelPersistence returns the coordinator the payment channel engine
// persists its states through.
func (n *Node) ChannelPersistence() *chanpersist.Coordinator {
	return n.persist
}

// Connection returns the connection state machine.
func (n *Node) Connection() *connmgr.Manager {
	return n.conn
}

// Session returns the credential session.
func (n *Node) Session() *auth.Session {
	return n.session
}

// ImportEncryptionKey stores the secret exported from another device of the
// same node and resumes a connection waiting for it.
func (n *Node) ImportEncryptionKey(secret lnencrypt.Secret) error {
	return n.engine.ImportEncryptionKey(secret)
}

// Main is the true entry point of lnsyncd. It is required since defers
// created in the top-level scope of a main method aren't executed if
// os.Exit() is called.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		lnsdLog.Info("Shutdown complete")
		if err := cfg.LogRotator.Close(); err != nil {
			lnsdLog.Errorf("Could not close log rotator: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lnsdLog.Infof("Version: %s commit=%s, build=%s, debuglevel=%s",
		build.Version(), build.Commit, build.Deployment, cfg.DebugLevel)

	node, err := NewNode(ctx, cfg, interceptor)
	if err != nil {
		return mkErr("unable to create node", err)
	}
	defer func() {
		_ = node.Stop()
	}()

	if err := node.Start(); err != nil {
		return mkErr("unable to start node", err)
	}

	lnsdLog.Infof("Device %v is active", node.DeviceID())

	<-interceptor.ShutdownChannel()

	return nil
}

// mkErr logs the error and wraps it with the message.
func mkErr(msg string, err error) error {
	lnsdLog.Errorf("Shutting down because error in main method: %s: %v",
		msg, err)

	return fmt.Errorf("%s: %w", msg, err)
}
