package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sustainplate/internal/app"
	"sustainplate/internal/config"
	"sustainplate/internal/db"
	"sustainplate/internal/domain"
	"sustainplate/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "sp",
	Short: "SustainPlate CLI",
	Long: `SustainPlate moves surplus food from donors to NGOs with volunteers doing the pickup.
Core concepts:
- Workspace: a directory holding sustainplate.yml and, for sqlite, the registry database.
- Actors: donors list food, NGOs reserve it, volunteers pick it up and deliver it. An actor's role is fixed at registration.
- Donations: move listed -> reserved -> pickedUp -> delivered and never backwards.
- Races: when two actors act on the same donation at once exactly one wins; the other gets a conflict naming who holds it.
- Tasks: the volunteer view of a reserved donation (available, assigned, completed).
- Event log: every transition, view with 'sp log tail' or follow live with 'sp watch'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SUSTAINPLATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to sustainplate.yml in the workspace)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting actor id")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(donationCmd())
	rootCmd.AddCommand(reserveCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(notificationCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default sustainplate.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func actorCmd() *cobra.Command {
	a := &cobra.Command{Use: "actor", Short: "Manage actors"}
	a.AddCommand(actorRegisterCmd())
	a.AddCommand(actorListCmd())
	a.AddCommand(actorShowCmd())
	return a
}

func actorRegisterCmd() *cobra.Command {
	var in domain.Actor
	var role string
	var withKey bool
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an actor with a fixed role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				in.Role = domain.Role(role)
				if in.ID == "" {
					in.ID = uuid.NewString()
				}
				actor, err := rt.Auth.Register(ctx, in)
				if err != nil {
					return err
				}
				out := struct {
					domain.Actor
					APIKey string `json:"api_key,omitempty"`
				}{Actor: actor}
				if withKey {
					_, key, err := rt.Repo.IssueAPIKey(ctx, actor.ID, "cli")
					if err != nil {
						return err
					}
					out.APIKey = key
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("registered %s (%s) as %s\n", actor.ID, actor.Email, actor.Role)
				if out.APIKey != "" {
					fmt.Printf("api key (shown once): %s\n", out.APIKey)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "actor id (generated when empty)")
	cmd.Flags().StringVar(&in.Email, "email", "", "contact email")
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "donor, ngo or volunteer")
	cmd.Flags().StringVar(&in.Address, "address", "", "address (delivery address for NGOs)")
	cmd.Flags().StringVar(&in.Phone, "phone", "", "phone number")
	cmd.Flags().BoolVar(&withKey, "api-key", false, "also issue an API key")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func actorListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actors, err := rt.Repo.ListActors(ctx, domain.Role(role))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actors)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role", "Address"})
				for _, a := range actors {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Email, a.Role, a.Address})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func actorShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Auth.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
}

func notificationCmd() *cobra.Command {
	n := &cobra.Command{Use: "notifications", Aliases: []string{"notif"}, Short: "Read the acting actor's notifications"}
	n.AddCommand(notificationListCmd())
	n.AddCommand(notificationReadCmd())
	n.AddCommand(notificationReadAllCmd())
	return n
}

func notificationListCmd() *cobra.Command {
	var unread bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor engine.Actor) error {
				items, err := rt.Repo.ListNotifications(ctx, actor.ID, unread, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Read", "Message"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.CreatedAt, it.IsRead, it.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func notificationReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor engine.Actor) error {
				return rt.Repo.MarkNotificationRead(ctx, args[0], actor.ID)
			})
		},
	}
}

func notificationReadAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read-all",
		Short: "Mark every notification read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor engine.Actor) error {
				n, err := rt.Repo.MarkAllNotificationsRead(ctx, actor.ID)
				if err != nil {
					return err
				}
				fmt.Printf("marked %d read\n", n)
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Donation counts for the acting actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor engine.Actor) error {
				s, err := rt.Engine.Stats(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, st := range []domain.Status{domain.StatusListed, domain.StatusReserved, domain.StatusPickedUp, domain.StatusDelivered} {
					tw.AppendRow(table.Row{st, s.ByStatus[st]})
				}
				tw.AppendFooter(table.Row{"total", s.Total})
				tw.Render()
				fmt.Printf("available to %s: %d\n", s.Role, s.Available)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every registration, listing, edit and transition, newest first.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				evts, err := rt.Repo.LatestEvents(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func logOutput() io.Writer {
	if viper.GetBool("json") {
		return io.Discard
	}
	return os.Stderr
}

// loadConfig reads --config (or SUSTAINPLATE_CONFIG) when set, otherwise the
// workspace's sustainplate.yml.
func loadConfig(workspace string) (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.Load(workspace)
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if l := viper.GetString("log-level"); l != "" {
		level = l
	}
	rt, err := app.Open(ctx, workspace, cfg, app.NewLogger(level, logOutput()))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// withActor resolves --actor-id (or SUSTAINPLATE_ACTOR_ID) to a registered
// actor before running fn.
func withActor(ctx context.Context, fn func(context.Context, *app.Runtime, engine.Actor) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		actor, err := rt.ResolveActor(ctx, viper.GetString("actor-id"))
		if errors.Is(err, engine.ErrAuthenticationRequired) {
			return fmt.Errorf("--actor-id required")
		}
		if err != nil {
			return err
		}
		return fn(ctx, rt, actor)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
