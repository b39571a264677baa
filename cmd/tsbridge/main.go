package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tsbridge/internal/config"
	"tsbridge/internal/storage"
)

// Version is set at build time via -ldflags "-X main.Version=vX.Y.Z"
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tsbridge",
	Short: "tsbridge - upload device states and variables to ThingSpeak",
	Long: `tsbridge keeps a registry of device states and variables and uploads
bound values to ThingSpeak channels on a per-channel interval.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".env", "path to the .env configuration file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// host bundles what every command opens
type host struct {
	cfg    *config.Config
	store  *storage.BoltStorage
	logger *log.Logger
}

// openHost loads the configuration and opens the database
func openHost() (*host, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewBoltStorage(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("%w (is tsbridge serve running?)", err)
	}

	return &host{
		cfg:    cfg,
		store:  store,
		logger: log.New(os.Stderr, "", log.LstdFlags),
	}, nil
}

func (h *host) Close() error {
	return h.store.Close()
}
