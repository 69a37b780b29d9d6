package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sustainplate/internal/app"
	"sustainplate/internal/domain"
	"sustainplate/internal/engine"
	"sustainplate/internal/repo"
)

func donationCmd() *cobra.Command {
	d := &cobra.Command{
		Use:     "donation",
		Aliases: []string{"don"},
		Short:   "List, inspect and edit donations",
	}
	d.AddCommand(donationCreateCmd())
	d.AddCommand(donationListCmd())
	d.AddCommand(donationShowCmd())
	d.AddCommand(donationEditCmd())
	return d
}

func donationInputFlags(cmd *cobra.Command, in *engine.DonationInput) {
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.FoodType, "food-type", "", "food type")
	cmd.Flags().StringVar(&in.Quantity, "quantity", "", "quantity, e.g. \"20 meals\"")
	cmd.Flags().StringVar(&in.ExpiryDate, "expiry", "", "expiry date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&in.StorageRequirements, "storage", "", "storage requirements")
	cmd.Flags().StringVar(&in.PickupAddress, "pickup-address", "", "pickup address")
	cmd.Flags().StringVar(&in.PickupInstructions, "pickup-instructions", "", "pickup instructions")
}

func donationCreateCmd() *cobra.Command {
	var in engine.DonationInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "List a new donation (donor)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor engine.Actor) error {
				d, err := rt.Engine.CreateDonation(ctx, actor, in)
				if err != nil {
					return err
				}
				return printDonation(d)
			})
		},
	}
	donationInputFlags(cmd, &in)
	return cmd
}

func donationEditCmd() *cobra.Command {
	var in engine.DonationInput
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a listed donation (owning donor)",
		Long:  "Replaces every descriptive field. Only the donor who listed it may edit, and only while it is still listed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor engine.Actor) error {
				d, err := rt.Engine.UpdateDonation(ctx, actor, args[0], in)
				if err != nil {
					return err
				}
				return printDonation(d)
			})
		},
	}
	donationInputFlags(cmd, &in)
	return cmd
}

func donationListCmd() *cobra.Command {
	var f repo.DonationFilter
	var status string
	var available, mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List donations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mine {
				return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor engine.Actor) error {
					var (
						items []domain.Donation
						err   error
					)
					if actor.Role == domain.RoleNGO {
						items, err = rt.Engine.ListReservations(ctx, actor)
					} else {
						items, err = rt.Engine.ListDonorDonations(ctx, actor)
					}
					if err != nil {
						return err
					}
					return printDonations(items)
				})
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var (
					items []domain.Donation
					err   error
				)
				if available {
					items, err = rt.Engine.ListAvailable(ctx)
				} else {
					f.Status = domain.Status(status)
					items, err = rt.Engine.ListDonations(ctx, f)
				}
				if err != nil {
					return err
				}
				return printDonations(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.DonorID, "donor-id", "", "donor filter")
	cmd.Flags().StringVar(&f.ReservedBy, "reserved-by", "", "reserving NGO filter")
	cmd.Flags().StringVar(&f.VolunteerID, "volunteer-id", "", "volunteer filter")
	cmd.Flags().BoolVar(&f.Unassigned, "unassigned", false, "only donations without a volunteer")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	cmd.Flags().BoolVar(&available, "available", false, "every listed donation")
	cmd.Flags().BoolVar(&mine, "mine", false, "the acting donor's listings or the acting NGO's reservations")
	return cmd
}

func donationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a donation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.GetDonation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
}

func reserveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reserve <donation-id>",
		Short: "Reserve a listed donation (NGO)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor engine.Actor) error {
				d, err := rt.Engine.Reserve(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printDonation(d)
			})
		},
	}
}

func assignCmd() *cobra.Command {
	var pickup string
	cmd := &cobra.Command{
		Use:   "assign <donation-id>",
		Short: "Take the pickup of a reserved donation (volunteer)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var at *time.Time
			if pickup != "" {
				t, err := time.Parse(time.RFC3339, pickup)
				if err != nil {
					return fmt.Errorf("--pickup-time must be RFC3339: %w", err)
				}
				at = &t
			}
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor engine.Actor) error {
				d, err := rt.Engine.AssignVolunteer(ctx, actor, args[0], at)
				if err != nil {
					return err
				}
				return printDonation(d)
			})
		},
	}
	cmd.Flags().StringVar(&pickup, "pickup-time", "", "planned pickup time (RFC3339, defaults to now)")
	return cmd
}

func advanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <donation-id> <status>",
		Short: "Move a donation forward, e.g. to delivered",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor engine.Actor) error {
				d, err := rt.Engine.AdvanceStatus(ctx, actor, args[0], domain.Status(args[1]))
				if err != nil {
					return err
				}
				return printDonation(d)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "tasks", Short: "Volunteer pickup tasks"}
	t.AddCommand(&cobra.Command{
		Use:   "available",
		Short: "Reserved donations waiting for a volunteer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor engine.Actor) error {
				tasks, err := rt.Engine.AvailableTasks(ctx, actor)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	})
	t.AddCommand(&cobra.Command{
		Use:   "mine",
		Short: "Tasks assigned to the acting volunteer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor engine.Actor) error {
				tasks, err := rt.Engine.VolunteerTasks(ctx, actor)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	})
	return t
}

func printDonation(d domain.Donation) error {
	if viper.GetBool("json") {
		return printJSON(d)
	}
	fmt.Printf("%s %q [%s]", d.ID, d.Title, d.Status)
	if d.ReservedBy != nil {
		fmt.Printf(" reserved_by=%s", *d.ReservedBy)
	}
	if d.VolunteerID != nil {
		fmt.Printf(" volunteer=%s", *d.VolunteerID)
	}
	fmt.Println()
	return nil
}

func printDonations(items []domain.Donation) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Donor", "Reserved By", "Volunteer", "Expiry"})
	for _, d := range items {
		tw.AppendRow(table.Row{d.ID, d.Title, d.Status, d.DonorID, deref(d.ReservedBy), deref(d.VolunteerID), d.ExpiryDate})
	}
	tw.Render()
	return nil
}

func printTasks(tasks []domain.VolunteerTask) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Donation", "Title", "Status", "Pickup", "Deliver To", "Pickup Time"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.DonationID, t.DonationTitle, t.Status, t.PickupAddress, t.DeliveryAddress, t.PickupTime})
	}
	tw.Render()
	return nil
}
