// Command sockproxyd is the socket-proxy core's daemon binary: it owns
// process bootstrap (config loading, logger construction) and hands off to
// sockcore.Core.Run for the lifetime of the process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"sockproxy.dev/core/netbackend"
	"sockproxy.dev/core/sockcore"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&serveCommand{}, "")
	subcommands.Register(&versionCommand{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// version is stamped at release time; left as a placeholder constant the
// way the teacher's own command binaries do for out-of-band tooling.
const version = "dev"

type versionCommand struct{}

func (*versionCommand) Name() string     { return "version" }
func (*versionCommand) Synopsis() string { return "print the daemon version and exit" }
func (*versionCommand) Usage() string    { return "version\n" }
func (*versionCommand) SetFlags(*flag.FlagSet) {}

func (*versionCommand) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	fmt.Println(version)
	return subcommands.ExitSuccess
}

// serveCommand runs the core until interrupted. The config file format and
// precedence (ini file, flags override) follow spec §4.14.
type serveCommand struct {
	configPath string
	logLevel   string
	logFormat  string
}

func (*serveCommand) Name() string     { return "serve" }
func (*serveCommand) Synopsis() string { return "run the socket-proxy core until interrupted" }
func (*serveCommand) Usage() string {
	return "serve [-config path] [-log-level level] [-log-format text|json]\n"
}

func (cmd *serveCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.configPath, "config", "", "path to an ini config file (optional)")
	f.StringVar(&cmd.logLevel, "log-level", "", "overrides the config file's log level")
	f.StringVar(&cmd.logFormat, "log-format", "", "overrides the config file's log format (text|json)")
}

func (cmd *serveCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	daemonCfg, err := loadDaemonConfig(cmd.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sockproxyd: %v\n", err)
		return subcommands.ExitFailure
	}
	if cmd.logLevel != "" {
		daemonCfg.LogLevel = cmd.logLevel
	}
	if cmd.logFormat != "" {
		daemonCfg.LogFormat = cmd.logFormat
	}

	log, err := newLogger(daemonCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sockproxyd: %v\n", err)
		return subcommands.ExitFailure
	}

	core, err := sockcore.New(daemonCfg.Core, netbackend.Host{}, log)
	if err != nil {
		log.WithError(err).Error("sockproxyd: failed to construct core")
		return subcommands.ExitFailure
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("root_path", daemonCfg.RootPath).Info("sockproxyd: serving")
	if err := core.Run(runCtx); err != nil && runCtx.Err() == nil {
		log.WithError(err).Error("sockproxyd: core exited with error")
		return subcommands.ExitFailure
	}
	log.Info("sockproxyd: shut down cleanly")
	return subcommands.ExitSuccess
}
