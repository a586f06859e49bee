package config

import (
	"os"
	"strings"
	"time"
)

// Environment overrides. They beat the workspace file, which beats the
// defaults. Argument and pattern lists are comma separated.
const (
	EnvServerCommand   = "QALAM_SERVER_COMMAND"
	EnvServerArgs      = "QALAM_SERVER_ARGS"
	EnvServerWorkDir   = "QALAM_SERVER_WORK_DIR"
	EnvRequestTimeout  = "QALAM_REQUEST_TIMEOUT"
	EnvStopGracePeriod = "QALAM_STOP_GRACE_PERIOD"
	EnvCancelOnWire    = "QALAM_CANCEL_ON_WIRE"
	EnvWatcherEnabled  = "QALAM_WATCHER_ENABLED"
	EnvWatcherDebounce = "QALAM_WATCHER_DEBOUNCE"
	EnvWatcherIgnore   = "QALAM_WATCHER_IGNORE"
)

// applyEnv overlays recognized QALAM_* variables onto cfg. Unparseable
// values are ignored so one bad variable cannot brick the editor.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(EnvServerCommand); ok && v != "" {
		cfg.Server.Command = v
	}
	if v, ok := os.LookupEnv(EnvServerArgs); ok {
		cfg.Server.Args = splitList(v)
	}
	if v, ok := os.LookupEnv(EnvServerWorkDir); ok && v != "" {
		cfg.Server.WorkDir = v
	}
	if d, ok := lookupDuration(EnvRequestTimeout); ok {
		cfg.Server.RequestTimeout = d
	}
	if d, ok := lookupDuration(EnvStopGracePeriod); ok {
		cfg.Server.StopGracePeriod = d
	}
	if b, ok := lookupBool(EnvCancelOnWire); ok {
		cfg.Server.CancelOnWire = b
	}
	if b, ok := lookupBool(EnvWatcherEnabled); ok {
		cfg.Watcher.Enabled = b
	}
	if d, ok := lookupDuration(EnvWatcherDebounce); ok {
		cfg.Watcher.Debounce = d
	}
	if v, ok := os.LookupEnv(EnvWatcherIgnore); ok {
		cfg.Watcher.Ignore = splitList(v)
	}
}

func lookupDuration(key string) (Duration, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return Duration(d), true
}

func lookupBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "on", "1":
		return true, true
	case "false", "no", "off", "0":
		return false, true
	default:
		return false, false
	}
}

// splitList parses a comma-separated value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
