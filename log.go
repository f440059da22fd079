package lnsync

import (
	"github.com/btcpayserver/lnsync/auth"
	"github.com/btcpayserver/lnsync/build"
	"github.com/btcpayserver/lnsync/chanpersist"
	"github.com/btcpayserver/lnsync/cluster"
	"github.com/btcpayserver/lnsync/connmgr"
	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/btcpayserver/lnsync/events"
	"github.com/btcpayserver/lnsync/lnencrypt"
	"github.com/btcpayserver/lnsync/monitoring"
	"github.com/btcpayserver/lnsync/remotestore"
	"github.com/btcpayserver/lnsync/signal"
	"github.com/btcpayserver/lnsync/syncer"
	"github.com/btcsuite/btclog/v2"
)

// Subsystem is the logging tag of the daemon itself.
const Subsystem = "LNSD"

// lnsdLog is the logger of the daemon. It is replaced once SetupLoggers is
// called with the final root logger.
var lnsdLog = build.NewSubLogger(Subsystem, nil)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager,
	interceptor signal.Interceptor) {

	genLogger := genSubLogger(root, interceptor)

	lnsdLog = build.NewSubLogger(Subsystem, genLogger)

	AddSubLogger(root, "SGNL", interceptor, signal.UseLogger)
	AddSubLogger(root, auth.Subsystem, interceptor, auth.UseLogger)
	AddSubLogger(root, events.Subsystem, interceptor, events.UseLogger)
	AddSubLogger(root, lnencrypt.Subsystem, interceptor,
		lnencrypt.UseLogger)
	AddSubLogger(root, devicedb.Subsystem, interceptor,
		devicedb.UseLogger)
	AddSubLogger(root, remotestore.Subsystem, interceptor,
		remotestore.UseLogger)
	AddSubLogger(root, cluster.Subsystem, interceptor, cluster.UseLogger)
	AddSubLogger(root, syncer.Subsystem, interceptor, syncer.UseLogger)
	AddSubLogger(root, chanpersist.Subsystem, interceptor,
		chanpersist.UseLogger)
	AddSubLogger(root, connmgr.Subsystem, interceptor, connmgr.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, interceptor,
		monitoring.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, interceptor,
		monitoring.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	interceptor signal.Interceptor, useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genSubLogger(root, interceptor))
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a signal.Interceptor to be able to shutdown in the case of a critical
// error.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	return func(tag string) btclog.Logger {
		return &shutdownLogger{
			Logger:   root.GenSubLogger(tag),
			shutdown: interceptor.RequestShutdown,
		}
	}
}

// shutdownLogger requests a graceful shutdown of the daemon whenever a
// critical error is logged.
type shutdownLogger struct {
	btclog.Logger

	shutdown func()
}

// Criticalf formats a message at the critical level and requests a
// shutdown.
func (s *shutdownLogger) Criticalf(format string, params ...any) {
	s.Logger.Criticalf(format, params...)
	s.Logger.Info("Sending request for shutdown")
	s.shutdown()
}

// Critical logs a message at the critical level and requests a shutdown.
func (s *shutdownLogger) Critical(v ...any) {
	s.Logger.Critical(v...)
	s.Logger.Info("Sending request for shutdown")
	s.shutdown()
}
