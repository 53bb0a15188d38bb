package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/dukerupert/archivist/internal/backup"
	"github.com/dukerupert/archivist/internal/model"
)

var (
	flagCreateName        string
	flagCreateDescription string

	flagListStatus string
	flagListType   string
	flagListSearch string
	flagListPage   int
	flagListLimit  int

	flagDownloadOutput string

	flagDeleteForce bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create and manage backups",
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a backup and wait for it to finish",
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

		ctx := cmd.Context()
		name := flagCreateName
		if name == "" {
			name = "Manual backup " + time.Now().Format("2006-01-02 15:04")
		}
		b, err := mgr.CreateBackup(ctx, backup.CreateRequest{
			Name:        name,
			Description: flagCreateDescription,
			Type:        model.BackupTypeManual,
		})
		if err != nil {
			return err
		}
		if !flagJSON {
			fmt.Printf("Backup %s started\n", b.ID)
		}

		// The pipeline runs detached; the process has to outlive it.
		if err := mgr.Shutdown(context.Background()); err != nil {
			return err
		}
		b, err = mgr.Get(ctx, b.ID)
		if err != nil {
			return err
		}
		if err := showBackup(b); err != nil {
			return err
		}
		if b.Status == model.BackupStatusFailed {
			return fmt.Errorf("backup %s failed: %s", b.ID, b.ErrorMessage)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		filter := model.BackupFilter{
			Status: model.BackupStatus(flagListStatus),
			Type:   model.BackupType(flagListType),
			Search: flagListSearch,
		}
		ctx := cmd.Context()
		items, err := a.store.FindMany(ctx, filter, flagListPage, flagListLimit)
		if err != nil {
			return err
		}
		total, err := a.store.Count(ctx, filter)
		if err != nil {
			return err
		}

		if flagJSON {
			return printJSON(map[string]any{
				"backups": items,
				"total":   total,
				"page":    max(flagListPage, 1),
				"limit":   flagListLimit,
			})
		}
		tw := tablewriter.NewWriter(os.Stdout)
		tw.SetHeader([]string{"ID", "NAME", "STATUS", "TYPE", "SIZE", "CREATED_AT"})
		for _, b := range items {
			tw.Append([]string{b.ID, b.Name, string(b.Status), string(b.Type), formatSize(b.FileSize), b.CreatedAt.Local().Format(time.RFC3339)})
		}
		tw.SetFooter([]string{"", "", "", "", "TOTAL", strconv.FormatInt(total, 10)})
		tw.Render()
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.store.FindOne(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return showBackup(b)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete ID...",
	Short: "Delete backups together with their local and remote archives",
	Args:  cobra.MinimumNArgs(1),
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

		del := mgr.Delete
		if flagDeleteForce {
			del = mgr.ForceDelete
		}
		var failed int
		for _, id := range args {
			if err := del(cmd.Context(), id); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
				failed++
				continue
			}
			fmt.Printf("Deleted %s\n", id)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d deletes failed", failed, len(args))
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate ID",
	Short: "Download a backup archive and check its structure",
	Args:  cobra.ExactArgs(1),
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

		if err := mgr.Validate(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Backup %s is valid\n", args[0])
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download ID",
	Short: "Download a completed backup archive",
	Args:  cobra.ExactArgs(1),
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

		body, size, err := mgr.Download(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer body.Close()

		out := flagDownloadOutput
		if out == "" {
			out = args[0] + ".zip"
		}
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		n, err := io.Copy(f, body)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(out)
			return fmt.Errorf("write %s: %w", out, err)
		}
		if size >= 0 && n != size {
			os.Remove(out)
			return fmt.Errorf("write %s: got %d of %d bytes", out, n, size)
		}
		fmt.Printf("Wrote %s (%s)\n", out, formatSize(&n))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show backup statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.store.Statistics(cmd.Context())
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(st)
		}

		tw := tablewriter.NewWriter(os.Stdout)
		tw.SetHeader([]string{"METRIC", "VALUE"})
		tw.Append([]string{"total", strconv.FormatInt(st.Total, 10)})
		for _, s := range model.BackupStatuses {
			tw.Append([]string{"status " + string(s), strconv.FormatInt(st.ByStatus[s], 10)})
		}
		for _, t := range model.BackupTypes {
			tw.Append([]string{"type " + string(t), strconv.FormatInt(st.ByType[t], 10)})
		}
		tw.Append([]string{"total size", formatSize(&st.TotalSize)})
		avg := int64(st.AverageSize)
		tw.Append([]string{"average size", formatSize(&avg)})
		if st.LatestCompleted != nil {
			tw.Append([]string{"latest completed", st.LatestCompleted.ID})
		}
		tw.Render()
		return nil
	},
}

func showBackup(b *model.Backup) error {
	if flagJSON {
		return printJSON(b)
	}
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"FIELD", "VALUE"})
	rows := [][]string{
		{"id", b.ID},
		{"name", b.Name},
		{"description", b.Description},
		{"status", string(b.Status)},
		{"type", string(b.Type)},
		{"size", formatSize(b.FileSize)},
		{"file", b.FilePath},
		{"remote", remoteURL(b)},
		{"error", b.ErrorMessage},
		{"created", b.CreatedAt.Local().Format(time.RFC3339)},
		{"updated", b.UpdatedAt.Local().Format(time.RFC3339)},
	}
	if b.CompletedAt != nil {
		rows = append(rows, []string{"completed", b.CompletedAt.Local().Format(time.RFC3339)})
	}
	for _, r := range rows {
		if r[1] != "" {
			tw.Append(r)
		}
	}
	tw.Render()
	return nil
}

func remoteURL(b *model.Backup) string {
	if b.RemoteKey == "" {
		return ""
	}
	return "s3://" + b.RemoteBucket + "/" + b.RemoteKey
}

func formatSize(n *int64) string {
	if n == nil {
		return ""
	}
	return humanize.IBytes(uint64(max(*n, 0)))
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(createCmd, listCmd, showCmd, deleteCmd, validateCmd, downloadCmd, statsCmd)

	createCmd.Flags().StringVarP(&flagCreateName, "name", "n", "", "Backup name")
	createCmd.Flags().StringVarP(&flagCreateDescription, "description", "d", "", "Backup description")

	listCmd.Flags().StringVar(&flagListStatus, "status", "", "Only backups in this status")
	listCmd.Flags().StringVar(&flagListType, "type", "", "Only MANUAL or SCHEDULED backups")
	listCmd.Flags().StringVarP(&flagListSearch, "search", "s", "", "Case-insensitive match on name or description")
	listCmd.Flags().IntVar(&flagListPage, "page", 1, "Page number")
	listCmd.Flags().IntVar(&flagListLimit, "limit", 20, "Rows per page (0 for all)")

	downloadCmd.Flags().StringVarP(&flagDownloadOutput, "output", "o", "", "Output file (default <id>.zip)")
	deleteCmd.Flags().BoolVar(&flagDeleteForce, "force", false, "Also delete PENDING and IN_PROGRESS records left by an interrupted run")
}
