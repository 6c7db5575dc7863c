// Command vbin-web serves hosted web assets and the run ledger over HTTP. The
// version it serves is resolved once at start, the same way vbin resolves it.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/vbin/internal/api"
	"github.com/seantiz/vbin/internal/artifact"
	"github.com/seantiz/vbin/internal/bootstrap"
	"github.com/seantiz/vbin/internal/config"
	"github.com/seantiz/vbin/internal/domain"
	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/modspace"
	"github.com/seantiz/vbin/internal/resolver"
	"github.com/seantiz/vbin/internal/store"
)

func main() {
	// The bootstrap client may re-execute this binary as its domain.
	if domain.IsChild() {
		os.Exit(domain.RunChild(nil))
	}

	var (
		version int64
		site    string
	)
	cmd := &cobra.Command{
		Use:           "vbin-web",
		Short:         "Serve versioned web assets from the repository",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), version, site)
		},
	}
	cmd.Flags().Int64VarP(&version, "version", "v", -1, "version to serve (default: resolved from the machine rules)")
	cmd.Flags().StringVar(&site, "site", "", "site whose modules are preloaded (default: VBIN_SITE)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		log.Fatalf("vbin-web: %v", err)
	}
}

func serve(ctx context.Context, version int64, site string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if site == "" {
		site = cfg.Site
	}
	logger := cfg.NewLogger(os.Stdout)

	v := model.Version(version)
	if version < 0 {
		v, err = resolveVersion(ctx, cfg)
		if err != nil {
			return err
		}
	}

	logger.Info("vbin-web: starting",
		"listen_addr", cfg.ListenAddr,
		"version", v.String(),
		"site", site,
		"ledger_path", cfg.LedgerPath,
	)

	direct, err := bootstrap.NewDirect(cfg)
	if err != nil {
		return err
	}
	sites, err := api.NewSiteHost(direct.Repository(), v, cfg.LRUSize, logger)
	if err != nil {
		return err
	}

	if site != "" {
		space, err := modspace.New(modspace.Options{
			Version:    v,
			CacheDir:   cfg.CacheDir,
			SearchPath: cfg.SearchPath,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("create module space: %w", err)
		}
		defer space.Close()
		artifacts := artifact.New(direct, space, artifact.Options{
			Version:        v,
			ThrowOnMissing: cfg.ThrowOnMissing,
			Logger:         logger,
		})
		space.AddHook(artifacts.Hook())
		if err := sites.Preload(ctx, site, artifacts); err != nil {
			return fmt.Errorf("preload %s: %w", site, err)
		}
	}

	var ledger store.Store
	if cfg.LedgerPath != "" {
		db, err := store.NewSQLiteStore(cfg.LedgerPath)
		if err != nil {
			return fmt.Errorf("open run ledger: %w", err)
		}
		defer db.Close()
		ledger = db
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return api.NewServer(cfg.ListenAddr, sites, ledger, logger).Run(ctx)
}

// resolveVersion reads the machine rules through a stage 1 client.
func resolveVersion(ctx context.Context, cfg config.Config) (model.Version, error) {
	client, err := bootstrap.Open(ctx, cfg, cfg.NewLogger(os.Stderr))
	if err != nil {
		return 0, err
	}
	defer client.Close()
	return resolver.New(bootstrap.Rules(client)).ForHost(ctx)
}
