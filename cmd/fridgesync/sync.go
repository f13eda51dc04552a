package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fridgesync/internal/app"
	"fridgesync/internal/fridge"

	"github.com/spf13/cobra"
)

func printReport(report *fridge.Report) {
	if report == nil {
		return
	}
	for _, p := range report.Passes {
		fmt.Printf("%-14s  created %d  updated %d  deleted %d  failed %d  deferred %d  skipped %d",
			p.Kind, p.Created, p.Updated, p.Deleted, p.Failed, p.Deferred, p.Skipped)
		if p.Remapped > 0 {
			fmt.Printf("  remapped %d", p.Remapped)
		}
		if p.Interrupted {
			fmt.Print("  (interrupted)")
		}
		fmt.Println()
		for _, e := range p.Errors {
			fmt.Printf("    %s %s: %v\n", e.LocalID, e.Outcome, e.Err)
		}
	}
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push pending changes to the remote service",
	RunE: func(cmd *cobra.Command, args []string) error {
		only, _ := cmd.Flags().GetString("only")
		return withApp(cmd, "Sync", only, func(ctx context.Context, a *app.App) error {
			report, err := a.Sync(ctx, only)
			printReport(report)
			if err != nil {
				return err
			}
			if !report.Complete() && only == "" {
				fmt.Println("Some changes are still pending; they will be retried on the next sync.")
			}
			return nil
		})
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Refresh synced records from the remote service",
	RunE: func(cmd *cobra.Command, args []string) error {
		only, _ := cmd.Flags().GetString("only")
		return withApp(cmd, "Pull", only, func(ctx context.Context, a *app.App) error {
			reports, err := a.Pull(ctx, only)
			for _, r := range reports {
				fmt.Printf("%-14s  refreshed %d  adopted %d  dropped %d  kept %d\n",
					r.Kind, r.Refreshed, r.Adopted, r.Dropped, r.Kept)
			}
			return err
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending changes and the last sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "Status", "", func(ctx context.Context, a *app.App) error {
			st, err := a.Status(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("%-14s  %7s  %7s  %7s  %7s\n", "KIND", "CREATED", "UPDATED", "DELETED", "SYNCED")
			for _, k := range st.Kinds {
				fmt.Printf("%-14s  %7d  %7d  %7d  %7d\n", k.Kind,
					k.Counts[fridge.StatusCreated], k.Counts[fridge.StatusUpdated],
					k.Counts[fridge.StatusDeleted], k.Counts[fridge.StatusSynced])
			}
			fmt.Println()

			if st.LastRun != nil {
				fmt.Printf("Last run:   %s %s, pushed %d, pending %d",
					st.LastRun.Operation, st.LastRun.FinishedAt.Local().Format(time.DateTime),
					st.LastRun.Pushed, st.LastRun.Pending)
				if !st.LastRun.OK() {
					fmt.Printf(", error: %s", st.LastRun.Error)
				}
				fmt.Println()
			} else {
				fmt.Println("Last run:   never")
			}

			if st.TokenOK {
				fmt.Print("Credential: ok")
				if st.Token.ExpiresAt != nil {
					fmt.Printf(", expires %s", st.Token.ExpiresAt.Local().Format(time.DateTime))
				}
				fmt.Println()
			} else {
				fmt.Printf("Credential: %v\n", st.TokenErr)
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sync and pull runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, "History", "", func(ctx context.Context, a *app.App) error {
			runs, err := a.History(ctx, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded")
				return nil
			}
			for _, r := range runs {
				result := "ok"
				if !r.OK() {
					result = r.Error
				}
				fmt.Printf("%s  %-5s  %-40s  pushed %3d  pending %3d  pulled %3d  %s\n",
					r.OpID, r.Operation, strings.Join(r.Kinds, ","), r.Pushed, r.Pending, r.Pulled, result)
			}
			return nil
		})
	},
}

func init() {
	syncCmd.Flags().String("only", "", "Comma-separated kinds to sync (e.g. products,fridge)")
	pullCmd.Flags().String("only", "", "Comma-separated kinds to pull")
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
}
