// Command deskmon tracks the active task, the foreground window and idle
// time, and reports them to the deskmon server.
//
// `deskmon run` starts the tracker; the other commands talk to it through
// the local control API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Christopher-Hayes/deskmon/internal/config"
	"github.com/Christopher-Hayes/deskmon/internal/control"
	"github.com/Christopher-Hayes/deskmon/internal/logging"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const commandTimeout = 30 * time.Second

// app carries what every command needs.
type app struct {
	v          *viper.Viper
	out        io.Writer
	cfg        *config.Config
	configPath string
	jsonOut    bool
}

func main() {
	if err := newRootCmd(viper.New(), os.Stdout).Execute(); err != nil {
		color.New(color.FgRed, color.Bold).Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper, out io.Writer) *cobra.Command {
	a := &app{v: v, out: out}
	root := &cobra.Command{
		Use:   "deskmon",
		Short: "Desktop time and activity tracker",
		Long: `deskmon tracks time on one active task at a time, pauses it while you are idle,
classifies the applications you use as productive, non-productive or neutral,
and keeps all of it in sync with the deskmon server.

Start the tracker with 'deskmon run'; the other commands talk to it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "output JSON")
	root.PersistentFlags().String("addr", "", "control API address (overrides control_addr)")
	root.PersistentFlags().Bool("debug", false, "enable debug logging")
	root.PersistentFlags().Bool("verbose", false, "enable verbose logging")
	_ = v.BindPFlag("control_addr", root.PersistentFlags().Lookup("addr"))
	_ = v.BindPFlag("debug", root.PersistentFlags().Lookup("debug"))
	_ = v.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose"))

	root.AddCommand(a.runCmd())
	root.AddCommand(a.loginCmd())
	root.AddCommand(a.logoutCmd())
	root.AddCommand(a.statusCmd())
	root.AddCommand(a.tasksCmd())
	root.AddCommand(a.startCmd())
	root.AddCommand(a.pauseCmd())
	root.AddCommand(a.finishCmd())
	root.AddCommand(a.idleThresholdCmd())
	root.AddCommand(a.refreshCmd())
	root.AddCommand(a.appCmd())
	root.AddCommand(a.logCmd())
	root.AddCommand(a.statsCmd())
	root.AddCommand(a.watchCmd())
	root.AddCommand(a.configCmd())
	root.AddCommand(a.versionCmd())
	return root
}

// initConfig loads the config file; bound flags override it.
func (a *app) initConfig() error {
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	logging.SetDebug(cfg.Debug)
	logging.SetVerbose(cfg.Verbose)
	return nil
}

func (a *app) client() *control.Client {
	return control.NewClient(a.cfg.ControlAddr)
}

// withClient runs fn with a control client and a bounded context.
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *control.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	return fn(ctx, a.client())
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) success(format string, args ...any) {
	color.New(color.FgGreen, color.Bold).Fprintf(a.out, format+"\n", args...)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}
