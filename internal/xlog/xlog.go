// Package xlog wraps github.com/op/go-logging, the logging library the
// rest of this corpus reaches for, giving each package its own named
// logger rather than a shared global. Loggers are fetched by name with Get;
// the library constructors (host.New, kademlia.New, query.NewEngine, ...)
// take no logger and do not log.
package xlog

import (
	stdlog "log"
	"log/syslog"
	"os"

	"github.com/op/go-logging"
)

var (
	stderrFormat = logging.MustStringFormatter(
		`%{time:15:04:05.000} %{level:.4s} %{module} ▶ %{message}`,
	)
	syslogFormat = logging.MustStringFormatter(
		`%{time:15:04:05.000} %{level:.4s} %{module} ▶ %{message}`,
	)
)

// Setup installs the process-wide backend and default level, mirroring the
// level-from-environment convention the corpus uses (KR_LOG_LEVEL there,
// MESHNODE_LOG_LEVEL here). It runs once at startup; loggers obtained from
// Get before or after the call all observe the configured backend and level.
func Setup(defaultLevel logging.Level, useSyslog bool) {
	var backend logging.Backend
	if useSyslog {
		var err error
		backend, err = logging.NewSyslogBackendPriority("meshnode", syslogPriority(defaultLevel))
		if err == nil {
			logging.SetFormatter(syslogFormat)
			if sb, ok := backend.(*logging.SyslogBackend); ok {
				stdlog.SetOutput(sb.Writer)
			}
		} else {
			backend = nil
		}
	}
	if backend == nil {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
		logging.SetFormatter(stderrFormat)
	}

	leveled := logging.AddModuleLevel(backend)
	level := defaultLevel
	if env := os.Getenv("MESHNODE_LOG_LEVEL"); env != "" {
		if parsed, err := logging.LogLevel(env); err == nil {
			level = parsed
		}
	}
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
}

// Get returns the named logger for module, e.g. xlog.Get("yamux"),
// xlog.Get("kademlia"). Safe to call before Setup; formatting/level
// changes made by a later Setup call still apply, since go-logging
// resolves backend and level at log time, not at MustGetLogger time.
func Get(module string) *logging.Logger {
	return logging.MustGetLogger(module)
}

func syslogPriority(level logging.Level) syslog.Priority {
	// syslog priorities used by logging.NewSyslogBackendPriority; NOTICE is
	// the conventional default for long-running daemons, matching the
	// corpus's own SetupLogging default.
	switch level {
	case logging.CRITICAL, logging.ERROR:
		return syslog.LOG_ERR
	case logging.WARNING:
		return syslog.LOG_WARNING
	case logging.NOTICE:
		return syslog.LOG_NOTICE
	case logging.INFO:
		return syslog.LOG_INFO
	default:
		return syslog.LOG_DEBUG
	}
}
