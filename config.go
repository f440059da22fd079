// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2024 The Lightning Network Developers

package lnsync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcpayserver/lnsync/build"
	"github.com/btcpayserver/lnsync/lncfg"
	"github.com/btcpayserver/lnsync/signal"
	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultDataDirname  = "data"
	defaultLogLevel     = "info"
	defaultLogDirname   = "logs"
	defaultLogFilename  = "lnsyncd.log"
	defaultKeyFilename  = "encryption.key"
	defaultDeviceSubdir = "device"
)

var (
	// DefaultLnsyncDir is the default directory where lnsyncd tries to find
	// its configuration file and store its data. This is a directory in
	// the user's application data, for example:
	//   C:\Users\<username>\AppData\Local\Lnsync on Windows
	//   ~/.lnsync on Linux
	//   ~/Library/Application Support/Lnsync on MacOS
	DefaultLnsyncDir = btcutil.AppDataDir("lnsync", false)

	// DefaultConfigFile is the default full path of lnsyncd's configuration
	// file.
	DefaultConfigFile = filepath.Join(
		DefaultLnsyncDir, lncfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultLnsyncDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultLnsyncDir, defaultLogDirname)
	defaultKeyFile = filepath.Join(DefaultLnsyncDir, defaultKeyFilename)
)

// Config defines the configuration options for lnsyncd.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	LnsyncDir  string `long:"lnsyncdir" description:"The base directory that contains lnsyncd's data, logs, configuration file, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store lnsyncd's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`
	KeyFile    string `long:"keyfile" description:"Path to the file holding the encryption key of the node. Only this device may read it."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	DB *lncfg.DB `group:"db" namespace:"db" description:"The device database."`

	Remote *lncfg.Remote `group:"remote" namespace:"remote" description:"The remote store shared by the devices of the node."`

	Hub *lncfg.Hub `group:"hub" namespace:"hub" description:"The coordinating server electing the master device."`

	Auth *lncfg.Auth `group:"auth" namespace:"auth"`

	Sync *lncfg.Sync `group:"sync" namespace:"sync"`

	Persist *lncfg.Persist `group:"persist" namespace:"persist"`

	Prometheus *lncfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	HealthChecks *lncfg.HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	// LogRotator is the file output of the loggers. It must be closed on
	// shutdown.
	LogRotator *build.RotatingLogWriter

	// SubLogMgr is the root logger that all the daemon's subloggers are
	// hooked up to.
	SubLogMgr *build.SubLoggerManager
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		LnsyncDir:    DefaultLnsyncDir,
		ConfigFile:   DefaultConfigFile,
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		KeyFile:      defaultKeyFile,
		DebugLevel:   defaultLogLevel,
		DB:           lncfg.DefaultDB(),
		Remote:       lncfg.DefaultRemote(),
		Hub:          lncfg.DefaultHub(),
		Auth:         &lncfg.Auth{},
		Sync:         lncfg.DefaultSync(),
		Persist:      lncfg.DefaultPersist(),
		Prometheus:   lncfg.DefaultPrometheus(),
		HealthChecks: lncfg.DefaultHealthCheck(),
		LogConfig:    build.DefaultLogConfig(),
		LogRotator:   build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(interceptor signal.Interceptor) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then we'll
	// use the default config file path. However, if the user has modified
	// their lnsyncdir, then we should assume they intend to use the config
	// file within it.
	configFileDir := lncfg.CleanAndExpandPath(preCfg.LnsyncDir)
	configFilePath := lncfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultLnsyncDir {
		if configFilePath == DefaultConfigFile {
			configFilePath = filepath.Join(
				configFileDir, lncfg.DefaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	fileParser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(fileParser).ParseFile(configFilePath)
	if err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage, interceptor)
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		// The logging system might not yet be initialized, so we also
		// write to stderr to make sure the error appears somewhere.
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)
		lnsdLog.Warnf("Incorrect usage: %v", usageMessage)

		// The log subsystem might not yet be initialized. But we still
		// try to log the error there since some packaging solutions
		// might only look at the log and not stdout/stderr.
		lnsdLog.Warnf("Error validating config: %v", err)

		return nil, err
	}
	if err != nil {
		// The log subsystem might not yet be initialized. But we still
		// try to log the error there since some packaging solutions
		// might only look at the log and not stdout/stderr.
		lnsdLog.Warnf("Error validating config: %v", err)

		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid options.
	// Note this should go directly before the return.
	if configFileError != nil {
		lnsdLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// usageError is an error type that signals a problem with the supplied flags.
type usageError struct {
	err error
}

// Error returns the error string.
//
// NOTE: This is part of the error interface.
func (u *usageError) Error() string {
	return u.err.Error()
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string,
	interceptor signal.Interceptor) (*Config, error) {

	// If the provided lnsync directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	lnsyncDir := lncfg.CleanAndExpandPath(cfg.LnsyncDir)
	if lnsyncDir != DefaultLnsyncDir {
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(
				lnsyncDir, defaultDataDirname,
			)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(
				lnsyncDir, defaultLogDirname,
			)
		}
		if cfg.KeyFile == defaultKeyFile {
			cfg.KeyFile = filepath.Join(
				lnsyncDir, defaultKeyFilename,
			)
		}
	}

	funcName := "ValidateConfig"
	mkErr := func(format string, args ...interface{}) error {
		return fmt.Errorf(funcName+": "+format, args...)
	}
	makeDirectory := func(dir string) error {
		err := os.MkdirAll(dir, 0700)
		if err != nil {
			// Show a nicer error message if it's because a symlink
			// is linked to a directory that does not exist
			// (probably because it's not mounted).
			var pathErr *os.PathError
			if errors.As(err, &pathErr) && os.IsExist(err) {
				link, lerr := os.Readlink(pathErr.Path)
				if lerr == nil {
					str := "is symlink %s -> %s mounted?"
					err = fmt.Errorf(str, pathErr.Path, link)
				}
			}

			str := "failed to create lnsync directory '%s': %v"
			return mkErr(str, dir, err)
		}

		return nil
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = lncfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = lncfg.CleanAndExpandPath(cfg.LogDir)
	cfg.KeyFile = lncfg.CleanAndExpandPath(cfg.KeyFile)
	cfg.Auth.CredentialFile = lncfg.CleanAndExpandPath(
		cfg.Auth.CredentialFile,
	)

	// Create the lnsync directory and all other sub directories if they
	// don't already exist. This makes sure that directory trees are also
	// created for files that point to outside of the lnsyncdir.
	dirs := []string{
		lnsyncDir, cfg.DataDir, cfg.LogDir, filepath.Dir(cfg.KeyFile),
	}
	for _, dir := range dirs {
		if err := makeDirectory(dir); err != nil {
			return nil, err
		}
	}

	// Validate the subconfigs before the logging is set up, so a bad log
	// compressor is reported instead of failing the rotator.
	err := lncfg.Validate(
		cfg.DB,
		cfg.Remote,
		cfg.Hub,
		cfg.Auth,
		cfg.Sync,
		cfg.Persist,
		cfg.Prometheus,
		cfg.HealthChecks,
		cfg.LogConfig,
	)
	if err != nil {
		return nil, mkErr("%v", err)
	}

	// The remote acknowledgement can only be skipped when nothing else
	// could ever write the remote store.
	if cfg.Persist.NoRemoteAck && cfg.Remote.Backend != lncfg.MemoryBackend {
		return nil, mkErr("persist.noremoteack requires the memory " +
			"remote store")
	}

	// A node sharing its remote store between devices must elect its
	// master on a shared hub too.
	if cfg.Remote.Backend == lncfg.EtcdBackend &&
		cfg.Hub.Backend == lncfg.MemoryBackend {

		return nil, mkErr("an etcd remote store requires an etcd hub")
	}

	// Initialize the log file rotator and the root logger writing to both
	// the console and the file.
	if !cfg.LogConfig.File.Disable {
		err = cfg.LogRotator.InitLogRotator(
			cfg.LogConfig.File,
			filepath.Join(cfg.LogDir, defaultLogFilename),
		)
		if err != nil {
			return nil, mkErr("log rotation setup failed: %v", err)
		}
	}

	logWriter := build.NewLogWriter(cfg.LogConfig)
	if !cfg.LogConfig.File.Disable {
		logWriter.SetFileWriter(cfg.LogRotator)
	}
	cfg.SubLogMgr = build.NewSubLoggerManager(
		build.NewDefaultLogHandler(cfg.LogConfig, logWriter),
	)
	SetupLoggers(cfg.SubLogMgr, interceptor)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			cfg.SubLogMgr.SupportedSubsystems())
		os.Exit(0)
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.SubLogMgr)
	if err != nil {
		str := "error parsing debug level: %v"
		return nil, &usageError{mkErr(str, err)}
	}

	// All good, return the sanitized result.
	return &cfg, nil
}

// deviceDBDir returns the directory holding the device database.
func (c *Config) deviceDBDir() string {
	return filepath.Join(c.DataDir, defaultDeviceSubdir)
}
