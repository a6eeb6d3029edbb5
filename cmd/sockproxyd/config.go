package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"sockproxy.dev/core/sockcore"
)

// daemonConfig is the ini-file shape (spec §4.14): a thin wrapper around
// sockcore.Config plus the bits that are the daemon's own concern (the
// root path, how to log) rather than the core's. RootPath is only
// reported in the startup log line; no listener is opened on it.
type daemonConfig struct {
	RootPath  string
	LogLevel  string
	LogFormat string
	Core      sockcore.Config
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		RootPath:  "/run/sockproxyd/root",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// loadDaemonConfig reads an optional ini file over the defaults; an empty
// path is not an error; it just runs against compiled-in defaults the way
// the teacher's own tools fall back to flag defaults with no config file.
func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("sockproxyd: load config %q: %w", path, err)
	}

	main := f.Section("")
	cfg.RootPath = main.Key("root_path").MustString(cfg.RootPath)
	cfg.LogLevel = main.Key("log_level").MustString(cfg.LogLevel)
	cfg.LogFormat = main.Key("log_format").MustString(cfg.LogFormat)

	core := f.Section("core")
	cfg.Core.SlabSize = core.Key("buffer_slab_size").MustInt(0)
	cfg.Core.AcceptBacklog = core.Key("accept_backlog").MustInt(0)
	cfg.Core.NetcIfInfoMax = core.Key("max_interfaces").MustInt(0)

	return cfg, nil
}

func newLogger(cfg daemonConfig) (*logrus.Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("sockproxyd: log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	switch cfg.LogFormat {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("sockproxyd: unknown log format %q", cfg.LogFormat)
	}

	return log, nil
}
