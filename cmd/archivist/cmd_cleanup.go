package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/archivist/internal/model"
)

var (
	flagCleanupRetention string
	flagCleanupYes       bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete completed backups",
}

var cleanupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Delete completed backups older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		mgr, err := a.manager()
		if err != nil {
			return err
		}

		retention := a.cfg.Backup.Retention
		if flagCleanupRetention != "" {
			if retention, err = parseRetention(flagCleanupRetention); err != nil {
				return err
			}
		}
		res, err := mgr.CleanupExpired(cmd.Context(), retention)
		if err != nil {
			return err
		}
		return reportCleanup(res)
	},
}

var cleanupForceCmd = &cobra.Command{
	Use:   "force",
	Short: "Delete every completed backup regardless of age",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !flagCleanupYes {
			return errors.New("refusing to delete every completed backup without --yes")
		}
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		mgr, err := a.manager()
		if err != nil {
			return err
		}

		res, err := mgr.ForceCleanup(cmd.Context())
		if err != nil {
			return err
		}
		return reportCleanup(res)
	},
}

func reportCleanup(res *model.CleanupResult) error {
	if flagJSON {
		return printJSON(res)
	}
	fmt.Printf("Deleted %d backups\n", res.Deleted)
	for _, e := range res.Errors {
		fmt.Fprintln(os.Stderr, e)
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d backups could not be deleted", len(res.Errors))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.AddCommand(cleanupRunCmd, cleanupForceCmd)
	cleanupRunCmd.Flags().StringVar(&flagCleanupRetention, "retention", "", "Override backup.retention, e.g. 720h or 30d")
	cleanupForceCmd.Flags().BoolVar(&flagCleanupYes, "yes", false, "Confirm deleting every completed backup")
}

// parseRetention accepts Go durations plus a whole-day form such as "30d".
func parseRetention(s string) (time.Duration, error) {
	var d time.Duration
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("retention %q: %w", s, err)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, fmt.Errorf("retention %q: %w", s, err)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("retention %q must be positive", s)
	}
	return d, nil
}
