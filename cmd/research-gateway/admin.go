package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"heavy.local/research-gateway/internal/session"
)

const (
	defaultHistoryLimit   = 20
	defaultRearchiveLimit = 100
)

func newHistoryCommand(logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived research sessions for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, err := requiredUser(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")

			_, store, err := openStore(logger)
			if err != nil {
				return err
			}
			defer closeStore(logger, store)

			entries, err := store.ListHistory(cmd.Context(), userID, limit)
			if err != nil {
				return fmt.Errorf("list history: %w", err)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No history.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tARCHIVED\tAGENTS\tTIME\tHUNTERS/MIN\tQUERY")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%.1fs\t%.1f\t%s\n",
					entry.SessionID,
					entry.CreatedAt.Format(time.RFC3339),
					entry.CompletedCount,
					len(entry.Agents),
					entry.TotalTime,
					entry.HuntersPerMinute,
					truncate(entry.Query, 60),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("user", "", "user identity")
	cmd.Flags().Int("limit", defaultHistoryLimit, "maximum entries to list")
	return cmd
}

func newSessionsCommand(logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List ongoing research sessions for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, err := requiredUser(cmd)
			if err != nil {
				return err
			}

			_, store, err := openStore(logger)
			if err != nil {
				return err
			}
			defer closeStore(logger, store)

			records, err := store.ListOngoing(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No ongoing sessions.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tPHASE\tPROGRESS\tAGENTS\tSTARTED\tQUERY")
			for _, rec := range records {
				summary := rec.Summary()
				fmt.Fprintf(w, "%s\t%s\t%.0f%%\t%d\t%s\t%s\n",
					summary.SessionID,
					summary.CurrentPhase,
					summary.Progress,
					summary.AgentCount,
					summary.StartTime.Format(time.RFC3339),
					truncate(summary.Query, 60),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("user", "", "user identity")
	return cmd
}

func newPruneCommand(logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished live sessions older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, store, err := openStore(logger)
			if err != nil {
				return err
			}
			defer closeStore(logger, store)

			olderThan, _ := cmd.Flags().GetDuration("older-than")
			if olderThan <= 0 {
				olderThan = cfg.SessionRetention
			}
			pruned, err := store.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return fmt.Errorf("prune sessions: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d sessions older than %s.\n", pruned, olderThan)
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 0, "age cutoff (defaults to the configured session retention)")
	return cmd
}

func newRearchiveCommand(logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rearchive",
		Short: "Archive completed sessions that are missing a history entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, store, err := openStore(logger)
			if err != nil {
				return err
			}
			defer closeStore(logger, store)

			limit, _ := cmd.Flags().GetInt("limit")
			archiver := session.NewArchiver(store, logger, session.NewRetrier(logger, cfg.StorageRetryCount, cfg.StorageRetryBackoff))
			archived, err := archiver.Sweep(cmd.Context(), limit)
			fmt.Fprintf(cmd.OutOrStdout(), "Archived %d sessions.\n", archived)
			if err != nil {
				return fmt.Errorf("rearchive: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", defaultRearchiveLimit, "maximum sessions to archive")
	return cmd
}

func requiredUser(cmd *cobra.Command) (string, error) {
	userID, _ := cmd.Flags().GetString("user")
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("--user is required")
	}
	return userID, nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
