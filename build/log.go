package build

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btclog/v2"
)

// LogWriter fans every log line out to stdout and, once set, to the rotating
// log file.
type LogWriter struct {
	mu sync.Mutex

	console io.Writer
	file    io.Writer
}

// NewLogWriter creates a writer that logs to stdout unless the console logger
// is disabled. The file output is attached later through SetFileWriter once
// the log rotator has been initialised.
func NewLogWriter(cfg *LogConfig) *LogWriter {
	w := &LogWriter{}
	if !cfg.Console.Disable {
		w.console = os.Stdout
	}

	return w
}

// SetFileWriter attaches the rotating file writer.
func (w *LogWriter) SetFileWriter(file io.Writer) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.file = file
}

// Write writes the byte slice to every configured output.
func (w *LogWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.console != nil {
		_, _ = w.console.Write(b)
	}
	if w.file != nil {
		_, _ = w.file.Write(b)
	}

	return len(b), nil
}

// NewSubLogger constructs a new subsystem log from the passed generator. In
// development builds without a generator (unit tests) the subsystem logs to
// stdout at the level given by the LOGLEVEL environment variable, or is
// disabled when that is unset.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}

	if Deployment == Development {
		levelStr := os.Getenv("LOGLEVEL")
		if level, ok := btclog.LevelFromString(levelStr); ok {
			handler := btclog.NewDefaultHandler(os.Stdout)
			logger := btclog.NewSLogger(handler).SubSystem(
				subsystem,
			)
			logger.SetLevel(level)

			return logger
		}
	}

	return btclog.Disabled
}

// SubLoggers is a type that holds a map of subsystem loggers keyed by their
// subsystem name.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger provides the ability to retrieve the subsystem loggers of
// a logger and set their log levels individually or all at once.
type LeveledSubLogger interface {
	// SubLoggers returns the map of all registered subsystem loggers.
	SubLoggers() SubLoggers

	// SupportedSubsystems returns a slice of strings containing the names
	// of the supported subsystems.
	SupportedSubsystems() []string

	// SetLogLevel assigns an individual subsystem logger a new log level.
	SetLogLevel(subsystemID string, logLevel string)

	// SetLogLevels assigns all subsystem loggers the same new log level.
	SetLogLevels(logLevel string)
}

// SubLoggerManager creates the subsystem loggers of the daemon from a single
// root logger and keeps track of them so their levels can be changed.
type SubLoggerManager struct {
	root btclog.Logger

	loggers SubLoggers
	mu      sync.Mutex
}

// A compile time check to ensure SubLoggerManager implements the
// LeveledSubLogger interface.
var _ LeveledSubLogger = (*SubLoggerManager)(nil)

// NewSubLoggerManager constructs a SubLoggerManager writing through the given
// handler.
func NewSubLoggerManager(handler btclog.Handler) *SubLoggerManager {
	return &SubLoggerManager{
		root:    btclog.NewSLogger(handler),
		loggers: make(SubLoggers),
	}
}

// GenSubLogger creates (or returns the existing) logger for the subsystem.
func (r *SubLoggerManager) GenSubLogger(subsystem string) btclog.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()

	if logger, ok := r.loggers[subsystem]; ok {
		return logger
	}

	logger := r.root.SubSystem(subsystem)
	r.loggers[subsystem] = logger

	return logger
}

// RegisterSubLogger creates the subsystem logger and hands it to the
// package's UseLogger function.
func (r *SubLoggerManager) RegisterSubLogger(subsystem string,
	useLogger func(btclog.Logger)) {

	useLogger(r.GenSubLogger(subsystem))
}

// SubLoggers returns all currently registered subsystem loggers.
func (r *SubLoggerManager) SubLoggers() SubLoggers {
	r.mu.Lock()
	defer r.mu.Unlock()

	loggers := make(SubLoggers, len(r.loggers))
	for k, v := range r.loggers {
		loggers[k] = v
	}

	return loggers
}

// SupportedSubsystems returns a sorted slice of the supported subsystems.
func (r *SubLoggerManager) SupportedSubsystems() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subsystems := make([]string, 0, len(r.loggers))
	for subsysID := range r.loggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel sets the logging level for the provided subsystem. Invalid
// subsystems are ignored.
func (r *SubLoggerManager) SetLogLevel(subsystemID string, logLevel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger, ok := r.loggers[subsystemID]
	if !ok {
		return
	}

	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.
func (r *SubLoggerManager) SetLogLevels(logLevel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	level, _ := btclog.LevelFromString(logLevel)
	for _, logger := range r.loggers {
		logger.SetLevel(level)
	}
}

// ParseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly on the given logger. An appropriate error is returned
// if anything is invalid.
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	levels := strings.Split(level, ",")
	if len(levels) == 0 {
		return fmt.Errorf("invalid log level: %v", level)
	}

	// If the first entry has no =, treat is as the log level for all
	// subsystems.
	globalLevel := levels[0]
	if !strings.Contains(globalLevel, "=") {
		if !validLogLevel(globalLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", globalLevel)
		}

		logger.SetLogLevels(globalLevel)
		levels = levels[1:]
	}

	// The rest are subsystem=level pairs.
	subLoggers := logger.SubLoggers()
	for _, logLevelPair := range levels {
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v] -- use format "+
				"subsystem1=level1,subsystem2=level2",
				logLevelPair)
		}
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := subLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems are %v",
				subsysID, logger.SupportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}

		logger.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}

	return false
}
