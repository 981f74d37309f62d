package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openshelf/openshelf/internal/blob"
	"github.com/openshelf/openshelf/internal/merge"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile local state with the remote WebDAV mirror",
	Long: `Run a two-way merge between the local state tree and the remote:

  1. Read all four state blobs from both sides
  2. Merge (local wins for taxonomy/overrides, timestamps + tombstones
     for dynamic items)
  3. Write the merged result back to both sides
  4. Upload non-JSON assets to the remote
  5. Optionally scan the remote upload namespace for orphaned content

Intended to run out-of-band (cron or operator-invoked).`,
	Run: func(cmd *cobra.Command, _ []string) {
		remoteURL, _ := cmd.Flags().GetString("remote-url")
		remoteUser, _ := cmd.Flags().GetString("remote-user")
		remotePass, _ := cmd.Flags().GetString("remote-pass")
		scanUploads, _ := cmd.Flags().GetBool("scan-uploads")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		if remoteURL == "" {
			remoteURL = cfg.WebDAV.URL
		}
		if remoteUser == "" {
			remoteUser = cfg.WebDAV.Username
		}
		if remotePass == "" {
			remotePass = cfg.WebDAV.Password
		}
		if remoteURL == "" {
			fatalf("no remote configured (set webdav.url or pass --remote-url)")
		}

		logger := newLogger("[sync] ")

		local, err := blob.NewLocal(cfg.Storage.DataDir)
		if err != nil {
			fatalf("open local store: %v", err)
		}
		remote, err := blob.NewWebDAV(blob.WebDAVConfig{
			BaseURL:  remoteURL,
			Username: remoteUser,
			Password: remotePass,
			Timeout:  cfg.WebDAV.Timeout,
		})
		if err != nil {
			fatalf("open remote store: %v", err)
		}

		engine := merge.NewEngine(local, remote, logger)

		fmt.Printf("Syncing %s <-> %s...\n", cfg.Storage.DataDir, remoteURL)
		start := time.Now()
		summary, err := engine.Run(rootCtx, merge.Options{
			ScanUploads:     scanUploads,
			DefaultCategory: cfg.Sync.DefaultCategory,
			SkipNames:       cfg.Sync.SkipNames,
			IndexPath:       cfg.Mirror.IndexPath,
			DryRun:          dryRun,
		})
		if err != nil {
			fatalf("sync failed: %v", err)
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("  Uploaded: %d\n", summary.Uploaded)
		fmt.Printf("  Skipped:  %d\n", summary.Skipped)
		fmt.Printf("  Deleted:  %d (by tombstone)\n", summary.Merged.DynamicDeleted)
		fmt.Printf("  Conflicts: %d\n", summary.Merged.DynamicConflicts)
		for _, c := range summary.Merged.Conflicts {
			fmt.Printf("    %s: %s (local=%s remote=%s)\n", c.ID, c.Kind, c.Local, c.Remote)
		}
		if summary.Scan.Enabled {
			fmt.Printf("  Scan: found=%d imported=%d\n", summary.Scan.Found, summary.Scan.Imported)
			if summary.Scan.Error != "" {
				fmt.Printf("    scan error: %s\n", summary.Scan.Error)
			}
		}
	},
}

func init() {
	syncCmd.Flags().String("remote-url", "", "WebDAV endpoint (overrides config)")
	syncCmd.Flags().String("remote-user", "", "WebDAV username (overrides config)")
	syncCmd.Flags().String("remote-pass", "", "WebDAV password (overrides config)")
	syncCmd.Flags().Bool("scan-uploads", false, "scan remote upload namespace for orphaned content")
	syncCmd.Flags().Bool("dry-run", false, "merge and report without writing")
	rootCmd.AddCommand(syncCmd)
}
