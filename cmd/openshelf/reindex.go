package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openshelf/openshelf/internal/mirror"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Force a full rebuild of the query mirror from the state blobs",
	Long: `Rebuild the relational query index from items.json and
builtin_items.json. The index is a disposable projection, so this is always
safe; use it after restoring blobs from backup or when the index file was
deleted.`,
	Run: func(_ *cobra.Command, _ []string) {
		logger := newLogger("[reindex] ")
		sel, err := openStore(logger)
		if err != nil {
			fatalf("open storage: %v", err)
		}

		m := mirror.New(sel.Store, mirror.Config{
			IndexPath:    cfg.Mirror.IndexPath,
			ManifestPath: cfg.Mirror.ManifestPath,
			MaxErrors:    cfg.Mirror.MaxErrors,
			Logger:       logger,
		})
		defer m.Close()

		start := time.Now()
		if err := m.Reindex(rootCtx); err != nil {
			fatalf("reindex failed: %v", err)
		}
		fmt.Printf("Reindex complete in %v (engine=%s)\n",
			time.Since(start).Round(time.Millisecond), m.Mode())
	},
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}
