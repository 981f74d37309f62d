// Command openshelf manages the openshelf state store: out-of-band
// synchronization with the remote WebDAV mirror, query-index maintenance,
// and health inspection.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openshelf/openshelf/internal/blob"
	"github.com/openshelf/openshelf/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
	rootCtx context.Context
)

var rootCmd = &cobra.Command{
	Use:   "openshelf",
	Short: "State store and sync tooling for the openshelf catalog",
	Long: `openshelf keeps the catalog's canonical JSON state durable and
queryable: JSON blobs in local/WebDAV/hybrid storage, a SQLite query
mirror, and a two-way merge engine for reconciling a local node against
the remote mirror.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		return err
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCtx = ctx

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./openshelf.yaml)")
}

// newLogger builds the CLI logger. With log.file configured, output goes to
// a rotating file via lumberjack; otherwise stderr.
func newLogger(prefix string) *log.Logger {
	var w io.Writer = os.Stderr
	if cfg != nil && cfg.Log.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
	}
	return log.New(w, prefix, log.LstdFlags)
}

// openStore builds the configured blob backend, logging any degradation the
// factory applied.
func openStore(logger *log.Logger) (*blob.Selection, error) {
	sel, err := blob.Open(blob.Options{
		Mode:      blob.Mode(cfg.Storage.Mode),
		LocalRoot: cfg.Storage.DataDir,
		Remote: blob.WebDAVConfig{
			BaseURL:  cfg.WebDAV.URL,
			Username: cfg.WebDAV.Username,
			Password: cfg.WebDAV.Password,
			Timeout:  cfg.WebDAV.Timeout,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	if sel.Note != "" {
		logger.Printf("storage degraded: %s", sel.Note)
	}
	return sel, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
