package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Christopher-Hayes/deskmon/internal/config"
	"github.com/Christopher-Hayes/deskmon/internal/control"
	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/events"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func (a *app) loginCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <username-or-email>",
		Short: "Sign in to the deskmon server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				pw, err := readPassword(cmd)
				if err != nil {
					return err
				}
				password = pw
			}
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				res, err := c.Login(ctx, args[0], password)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(res)
				}
				a.success("Signed in as %s", res.User.Username)
				if res.Offline {
					fmt.Fprintln(a.out, pausedColor("Server unreachable; using stored credentials until it is back."))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (prompted when omitted)")
	return cmd
}

// readPassword prompts on the terminal with echo off, or reads one line when
// stdin is not a terminal.
func readPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if cmd.InOrStdin() != os.Stdin || !term.IsTerminal(fd) {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return "", errors.New("no password given (use --password or a terminal)")
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Stop tracking, sync and sign out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				if err := c.Logout(ctx); err != nil {
					return err
				}
				a.success("Signed out")
				return nil
			})
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the tracker state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(st)
				}
				renderStatus(a.out, st)
				return nil
			})
		},
	}
}

func (a *app) tasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"ls"},
		Short:   "List your tasks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				views, err := c.Tasks(ctx)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(views)
				}
				renderTasks(a.out, views)
				return nil
			})
		},
	}
}

func (a *app) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <task-id>",
		Short: "Make a task the active one and start its timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				if err := c.Activate(ctx, id); err != nil {
					return err
				}
				a.success("Tracking task #%d", id)
				return nil
			})
		},
	}
}

func (a *app) pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "pause",
		Aliases: []string{"resume"},
		Short:   "Pause or resume the active task",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				if err := c.TogglePause(ctx); err != nil {
					return err
				}
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if st.Paused {
					a.success("Task #%d paused at %s", st.ActiveTaskID, domain.FormatDuration(st.TimeUsage))
				} else {
					a.success("Task #%d resumed", st.ActiveTaskID)
				}
				return nil
			})
		},
	}
}

func (a *app) finishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finish <task-id>",
		Short: "Submit a task for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				if err := c.Finish(ctx, id); err != nil {
					return err
				}
				a.success("Task #%d submitted for review", id)
				return nil
			})
		},
	}
}

func (a *app) idleThresholdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "idle-threshold <seconds>",
		Short: "Set how long without input counts as idle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secs, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || secs <= 0 {
				return fmt.Errorf("invalid threshold %q: want a positive number of seconds", args[0])
			}
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				if err := c.SetIdleThreshold(ctx, secs); err != nil {
					return err
				}
				a.success("Idle threshold set to %s", domain.FormatDuration(secs))
				return nil
			})
		},
	}
}

func (a *app) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Pull tasks and rules from the server now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				if err := c.Refresh(ctx); err != nil {
					return err
				}
				a.success("Refresh scheduled")
				return nil
			})
		},
	}
}

func (a *app) appCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Manage productivity rules",
	}

	var req control.AppRequest
	add := &cobra.Command{
		Use:   "add",
		Short: "Request a productivity rule for an application, window title or URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Name == "" && req.Title == "" && req.URL == "" {
				return errors.New("one of --name, --title or --url is required")
			}
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				if err := c.AddApp(ctx, req); err != nil {
					return err
				}
				a.success("Requested %s rule; it applies once approved", req.Type)
				return nil
			})
		},
	}
	add.Flags().StringVar(&req.Name, "name", "", "application name")
	add.Flags().StringVar(&req.Title, "title", "", "window title")
	add.Flags().StringVar(&req.URL, "url", "", "website address")
	add.Flags().StringVar(&req.Type, "type", "productive", "productive, non-productive or neutral")

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List your rule requests awaiting approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				rules, err := c.PendingApps(ctx)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(rules)
				}
				renderRules(a.out, rules, true)
				return nil
			})
		},
	}

	var typ string
	rules := &cobra.Command{
		Use:   "rules",
		Short: "List approved rules of one type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				rules, err := c.Rules(ctx, domain.ParseRuleType(typ))
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(rules)
				}
				renderRules(a.out, rules, false)
				return nil
			})
		},
	}
	rules.Flags().StringVar(&typ, "type", "productive", "productive or non-productive")

	cmd.AddCommand(add, pending, rules)
	return cmd
}

func (a *app) logCmd() *cobra.Command {
	var (
		limit    int
		from, to string
		unfilter bool
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the activity log",
		Long: `Show recorded activity, newest first.

--from and --to (YYYY-MM-DD) set a date filter that stays in place
for later calls until --clear removes it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				switch {
				case unfilter:
					if err := c.ClearLogFilter(ctx); err != nil {
						return err
					}
				case from != "" || to != "":
					if err := c.SetLogFilter(ctx, from, to); err != nil {
						return err
					}
				}
				evs, err := c.Log(ctx, limit)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(evs)
				}
				renderLog(a.out, evs)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows")
	cmd.Flags().StringVar(&from, "from", "", "first day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last day (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&unfilter, "clear", false, "remove the date filter")
	cmd.MarkFlagsMutuallyExclusive("clear", "from")
	cmd.MarkFlagsMutuallyExclusive("clear", "to")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show productivity and per-application usage for a day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if date == "" {
				date = time.Now().Format(domain.DateLayout)
			}
			if _, err := time.Parse(domain.DateLayout, date); err != nil {
				return fmt.Errorf("invalid date %q: want YYYY-MM-DD", date)
			}
			return a.withClient(cmd, func(ctx context.Context, c *control.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				usage, err := c.Usage(ctx, date)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(map[string]any{
						"date":               date,
						"productivity_stats": st.Stats,
						"usage":              usage,
					})
				}
				fmt.Fprintf(a.out, "%s %s\n", labelColor("Productivity:"), formatStats(st.Stats))
				renderUsage(a.out, date, usage)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to report (default today)")
	return cmd
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream tracker events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.client().Events(ctx, func(e events.Event) error {
				if a.jsonOut {
					return a.printJSON(e)
				}
				return renderEvent(a.out, e)
			})
		},
	}
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jsonOut {
				return a.printJSON(a.cfg)
			}
			out, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = a.out.Write(out)
			return err
		},
	}, &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			path := a.configPath
			if path == "" {
				path = config.DefaultPath()
			}
			fmt.Fprintln(a.out, path)
		},
	})
	return cmd
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "deskmon %s\n", version)
		},
	}
}
