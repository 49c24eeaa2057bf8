package minilog

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	golog "log"

	"github.com/fatih/color"
)

// Level is a minilog logging level: DEBUG -> INFO -> WARN -> ERROR -> FATAL.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	}
	return -1, fmt.Errorf("invalid log level: %v", s)
}

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "FATAL"
	}
}

var levelColor = map[Level]*color.Color{
	DEBUG: color.New(color.FgBlue),
	INFO:  color.New(color.FgGreen),
	WARN:  color.New(color.FgYellow),
	ERROR: color.New(color.FgRed),
	FATAL: color.New(color.FgRed, color.Bold),
}

type logger interface {
	Println(...interface{})
}

// minilogger wraps a single output with its own level and color setting, so
// (for example) stderr can log at debug while a log file only records
// warnings and above.
type minilogger struct {
	// embed
	logger

	Level   Level
	Color   bool // print in color
	filters []string
}

func (l *minilogger) prologue(level Level, name string) string {
	prefix := level.String() + " "

	if name == "" {
		_, file, line, _ := runtime.Caller(4)
		short := file
		for i := len(file) - 1; i > 0; i-- {
			if file[i] == '/' {
				short = file[i+1:]
				break
			}
		}
		prefix += short + ":" + strconv.Itoa(line) + ": "
	} else {
		prefix += name + ": "
	}

	if l.Color {
		if c, ok := levelColor[level]; ok {
			return c.Sprint(prefix)
		}
	}
	return prefix
}

func (l *minilogger) log(level Level, name, format string, arg ...interface{}) {
	msg := l.prologue(level, name) + fmt.Sprintf(format, arg...)
	for _, f := range l.filters {
		if strings.Contains(msg, f) {
			return
		}
	}
	l.Println(msg)
}

func (l *minilogger) logln(level Level, name string, arg ...interface{}) {
	msg := l.prologue(level, name) + fmt.Sprint(arg...)
	for _, f := range l.filters {
		if strings.Contains(msg, f) {
			return
		}
	}
	l.Println(msg)
}

func newMinilogger(out writer, level Level, colorize bool) *minilogger {
	return &minilogger{
		logger: golog.New(out, "", golog.LstdFlags),
		Level:  level,
		Color:  colorize,
	}
}

type writer interface {
	Write([]byte) (int, error)
}
