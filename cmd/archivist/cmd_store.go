package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dukerupert/archivist/internal/config"
	"github.com/dukerupert/archivist/internal/model"
	"github.com/dukerupert/archivist/internal/store"
)

var (
	flagExportOutput string
	flagMigrateFrom  string
	flagMigrateTo    string
)

// exportDocument is the file written by `store export` and read by
// `store import`.
type exportDocument struct {
	Version    string         `json:"version"`
	ExportedAt time.Time      `json:"exportedAt"`
	Backups    []model.Backup `json:"backups"`
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Maintain the backup metadata store",
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every backup record as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		backups, err := a.store.ExportAll(cmd.Context())
		if err != nil {
			return err
		}
		doc := exportDocument{Version: store.DocumentVersion, ExportedAt: time.Now().UTC(), Backups: backups}

		if flagExportOutput == "" || flagExportOutput == "-" {
			return writeExport(os.Stdout, doc)
		}
		f, err := os.Create(flagExportOutput)
		if err != nil {
			return err
		}
		if err := writeExport(f, doc); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported %d backups to %s\n", len(backups), flagExportOutput)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Insert or replace backup records from an export file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		doc, err := readExport(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}

		n, err := a.store.ImportMany(cmd.Context(), doc.Backups)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d backups\n", n)
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Recreate records for archives and folders in the backup dir that no record tracks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := rebuild(cmd.Context(), a)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(res)
		}
		fmt.Printf("Rebuilt %d backups\n", res.Rebuilt)
		for _, e := range res.Errors {
			fmt.Fprintln(os.Stderr, e)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy every record from one metadata backend to the other",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagMigrateFrom == flagMigrateTo {
			return fmt.Errorf("--from and --to are both %q", flagMigrateFrom)
		}
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		src, err := a.openStore(flagMigrateFrom)
		if err != nil {
			return err
		}
		dst, err := a.openStore(flagMigrateTo)
		if err != nil {
			return err
		}
		n, err := store.Migrate(cmd.Context(), dst, src)
		if err != nil {
			return err
		}
		fmt.Printf("Migrated %d backups from %s to %s\n", n, flagMigrateFrom, flagMigrateTo)
		return nil
	},
}

// rebuild scans the backup dir. The scan lives on the JSON store; for the
// sql backend the records are staged through a scratch JSON document and the
// result is imported back.
func rebuild(ctx context.Context, a *app) (*store.RebuildResult, error) {
	bucket := a.cfg.Storage.Bucket
	if js, ok := a.store.(*store.JSONStore); ok {
		return js.RebuildFromArtifacts(ctx, bucket)
	}

	tmp, err := os.MkdirTemp("", "archivist-rebuild-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	staging := store.NewJSONStore(filepath.Join(tmp, "backups.json"), a.cfg.Backup.Dir, a.logger)
	if _, err := store.Migrate(ctx, staging, a.store); err != nil {
		return nil, fmt.Errorf("stage records: %w", err)
	}
	res, err := staging.RebuildFromArtifacts(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if res.Rebuilt > 0 {
		if _, err := store.Migrate(ctx, a.store, staging); err != nil {
			return nil, fmt.Errorf("import rebuilt records: %w", err)
		}
	}
	a.logger.Info("rebuild finished", zap.Int("rebuilt", res.Rebuilt), zap.String("backend", a.cfg.Metadata.Backend))
	return res, nil
}

func writeExport(w io.Writer, doc exportDocument) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func readExport(r io.Reader) (*exportDocument, error) {
	var doc exportDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, err
	}
	if doc.Backups == nil {
		doc.Backups = []model.Backup{}
	}
	return &doc, nil
}

func init() {
	rootCmd.AddCommand(storeCmd)
	storeCmd.AddCommand(exportCmd, importCmd, rebuildCmd, migrateCmd)

	exportCmd.Flags().StringVarP(&flagExportOutput, "output", "o", "", "Output file (default stdout)")
	migrateCmd.Flags().StringVar(&flagMigrateFrom, "from", config.BackendSQL, "Source backend (sql or file)")
	migrateCmd.Flags().StringVar(&flagMigrateTo, "to", config.BackendFile, "Destination backend (sql or file)")
}
