// Localscope discovers devices on the local /24 network and checks which
// remote access services (SSH, RDP, FTP, VNC) they expose.
//
// Usage:
//
//	localscope [command] [flags]
//
// Running without arguments starts a scan with a progress bar.
// See 'localscope --help' for available commands.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"localscope/internal/config"
	"localscope/internal/logging"
)

// Set at build time with -ldflags "-X main.version=v1.2.3 -X main.commit=abc123".
var (
	version = ""
	commit  = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// app holds the state shared by every command.
type app struct {
	out        io.Writer
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:   "localscope",
		Short: "Local network device discovery",
		Long: `Discover devices on the local /24 network.

A scan pings every host in the subnet, reads the operating system's neighbor
table to learn MAC addresses, labels each device from its vendor prefix and
probes the SSH, RDP, FTP and VNC ports. Results are merged into a bounded
device history that keeps favorite services across scans.

If no command is specified, a scan runs with a progress bar.`,
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync()
		},
		RunE: a.runScan,
	}
	root.SetOut(out)
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default is the user config directory)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error); silent when unset")

	root.AddCommand(
		a.scanCmd(),
		a.historyCmd(),
		a.favoriteCmd(),
		a.addCmd(),
		a.serveCmd(),
		a.configCmd(),
		a.versionCmd(),
	)
	return root
}

// setup loads the configuration and initializes logging.
func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return a.initLogging()
}

func (a *app) initLogging() error {
	level := a.logLevel
	if level == "" && a.cfg != nil {
		level = a.cfg.LogLevel
	}
	return logging.Initialize(level)
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "localscope %s\n", versionString())
		},
	}
}

func versionString() string {
	v, c := version, commit
	if info, ok := debug.ReadBuildInfo(); ok {
		if v == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
		for _, setting := range info.Settings {
			if c == "" && setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
				c = setting.Value[:7]
			}
		}
	}
	if v == "" {
		v = "dev"
	}
	if c == "" {
		return v
	}
	return fmt.Sprintf("%s (commit: %s)", v, c)
}
