package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/relay/internal/retention"
	"github.com/ashureev/relay/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions persisted in the database",
	RunE:  runSessions,
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show recent broadcast runs of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete broadcast history older than HISTORY_RETENTION now",
	RunE:  runPrune,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to show")
	rootCmd.AddCommand(sessionsCmd, historyCmd, pruneCmd)
}

func openStore() (*store.SQLiteStore, time.Duration, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, 0, "", fmt.Errorf("load configuration: %w", err)
	}
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, 0, "", fmt.Errorf("open database: %w", err)
	}
	return repo, cfg.History.Retention, cfg.History.PruneSchedule, nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	repo, _, _, err := openStore()
	if err != nil {
		return err
	}
	defer repo.Close()

	list, err := repo.ListSessions(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLAST STATUS\tCREATED\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Status,
			s.CreatedAt.Local().Format(time.DateTime), s.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runHistory(cmd *cobra.Command, args []string) error {
	repo, _, _, err := openStore()
	if err != nil {
		return err
	}
	defer repo.Close()

	runs, err := repo.ListBroadcasts(cmd.Context(), args[0], historyLimit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tKIND\tTOTAL\tOK\tFAILED\tFINISHED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", run.ID, run.Kind, run.Total, run.Succeeded, run.Failed,
			run.FinishedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runPrune(cmd *cobra.Command, args []string) error {
	repo, keep, schedule, err := openStore()
	if err != nil {
		return err
	}
	defer repo.Close()

	pruner, err := retention.New(repo, keep, schedule)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	n, err := pruner.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d broadcast runs older than %s\n", n, keep)
	return nil
}
