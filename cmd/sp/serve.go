package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"sustainplate/internal/app"
	"sustainplate/internal/domain"
	"sustainplate/internal/feed"
	"sustainplate/internal/repo"
	"sustainplate/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var tokenTTL time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), TokenTTL: tokenTTL}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SUSTAINPLATE_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Runtime:  rt,
					BasePath: basePath,
					Auth:     authCfg,
					Log:      rt.Log.With().Str("component", "http").Logger(),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := rt.Hub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					rt.Log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving SustainPlate API (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of dev login tokens")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func watchCmd() *cobra.Command {
	var donationID string
	var mine, changes bool
	var statuses []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow donations live",
		Long: `Without --changes, re-renders the matching donations every time one of them changes.
With --changes, prints each change as it is committed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				f := feed.Filter{DonationID: donationID}
				for _, s := range statuses {
					st := domain.Status(s)
					if !st.Valid() {
						return fmt.Errorf("unknown status %q", s)
					}
					f.Statuses = append(f.Statuses, st)
				}
				if mine {
					actor, err := rt.ResolveActor(ctx, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					f.ActorID = actor.ID
				}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return rt.Hub.Run(gctx) })
				if changes {
					unsubscribe := rt.Hub.Subscribe(f, func(c feed.Change) {
						if viper.GetBool("json") {
							_ = printJSON(c)
							return
						}
						fmt.Printf("#%d %s %s %s -> %s by %s\n", c.EventID, c.TS, c.DonationID, c.From, c.To, c.ActorID)
					})
					defer unsubscribe()
				} else {
					g.Go(func() error {
						return feed.Watch(gctx, rt.Hub, f, func(ctx context.Context) ([]domain.Donation, error) {
							return rt.Engine.ListDonations(ctx, watchQuery(f))
						}, func(items []domain.Donation) {
							if !viper.GetBool("json") {
								fmt.Printf("--- %s ---\n", time.Now().Format(time.TimeOnly))
							}
							_ = printDonations(items)
						})
					})
				}
				if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&donationID, "donation-id", "", "only this donation")
	cmd.Flags().BoolVar(&mine, "mine", false, "only donations the acting actor is involved in")
	cmd.Flags().StringArrayVar(&statuses, "status", nil, "only changes into or out of status (repeatable)")
	cmd.Flags().BoolVar(&changes, "changes", false, "print individual changes instead of a live table")
	return cmd
}

// watchQuery turns a feed filter into the registry query that shows the same
// donations. A donation filter shows exactly that donation.
func watchQuery(f feed.Filter) repo.DonationFilter {
	return repo.DonationFilter{ID: f.DonationID, Statuses: f.Statuses, Involving: f.ActorID, Limit: 50}
}
