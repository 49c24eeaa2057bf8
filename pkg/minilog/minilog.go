// Package minilog extends Go's log package to allow multiple loggers, each
// with its own level, so a command can log debug-and-up to stderr while
// only warnings-and-up go to a log file. Call AddLogger to set up each
// desired output, then use the package-level Debug/Info/Warn/Error/Fatal
// functions to send to all of them.
package minilog

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	loggers = make(map[string]*minilogger)
	logLock sync.RWMutex
)

// AddLogger adds a named logger that only emits events at level or above.
func AddLogger(name string, output io.Writer, level Level, colorize bool) {
	logLock.Lock()
	defer logLock.Unlock()

	loggers[name] = newMinilogger(output, level, colorize)
}

// DelLogger removes a named logger added with AddLogger.
func DelLogger(name string) {
	logLock.Lock()
	defer logLock.Unlock()

	delete(loggers, name)
}

// SetLevel changes the level for a named logger.
func SetLevel(name string, level Level) error {
	logLock.Lock()
	defer logLock.Unlock()

	if loggers[name] == nil {
		return fmt.Errorf("logger does not exist: %v", name)
	}
	loggers[name].Level = level
	return nil
}

// WillLog reports whether logging at level will reach any configured
// logger. Useful when the log message itself is expensive to build.
func WillLog(level Level) bool {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, v := range loggers {
		if v.Level <= level {
			return true
		}
	}
	return false
}

// Config bundles the flags a command needs to stand up a default logger
// set, mirroring the teacher's package-level -level/-v/-logfile flags but
// passed explicitly rather than registered as global flag.Flag values, so
// callers can wire them into their own pflag.FlagSet per subcommand.
type Config struct {
	Level   string // debug, info, warn, error, fatal
	Verbose bool   // log to stderr
	File    string // optional additional log file path
}

// Init sets up the default logger set according to cfg. Mirrors the
// teacher's Init(), replacing its implicit use of package-level flag vars
// with an explicit Config so multiple subcommands can each parse their own
// flags without fighting over the same global flag.Flag registrations.
func Init(cfg Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	if cfg.Verbose {
		AddLogger("stderr", os.Stderr, level, true)
	}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0660)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		AddLogger("file", f, level, false)
	}

	return nil
}

func log(level Level, name, format string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, logger := range loggers {
		if logger.Level <= level {
			logger.log(level, name, format, arg...)
		}
	}
}

func logln(level Level, name string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, logger := range loggers {
		if logger.Level <= level {
			logger.logln(level, name, arg...)
		}
	}
}

func Debug(format string, arg ...interface{}) { log(DEBUG, "", format, arg...) }
func Info(format string, arg ...interface{})  { log(INFO, "", format, arg...) }
func Warn(format string, arg ...interface{})  { log(WARN, "", format, arg...) }
func Error(format string, arg ...interface{}) { log(ERROR, "", format, arg...) }

func Fatal(format string, arg ...interface{}) {
	log(FATAL, "", format, arg...)
	os.Exit(1)
}

func Debugln(arg ...interface{}) { logln(DEBUG, "", arg...) }
func Infoln(arg ...interface{})  { logln(INFO, "", arg...) }
func Warnln(arg ...interface{})  { logln(WARN, "", arg...) }
func Errorln(arg ...interface{}) { logln(ERROR, "", arg...) }

func Fatalln(arg ...interface{}) {
	logln(FATAL, "", arg...)
	os.Exit(1)
}
