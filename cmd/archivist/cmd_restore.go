package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dukerupert/archivist/internal/model"
)

var (
	flagRestoreDrop  bool
	flagRestoreFiles bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore ID",
	Short: "Restore the database (and optionally bucket objects) from a completed backup",
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

		b, err := mgr.Restore(cmd.Context(), args[0], model.RestoreOptions{
			DropExisting: flagRestoreDrop,
			RestoreFiles: flagRestoreFiles,
		})
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(b)
		}
		fmt.Printf("Restored %s (%s)\n", b.ID, b.Name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().BoolVar(&flagRestoreDrop, "drop-existing", false, "Drop and recreate the database before loading the dump")
	restoreCmd.Flags().BoolVar(&flagRestoreFiles, "files", false, "Also upload the archived objects back into the application bucket")
}
