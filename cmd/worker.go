package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/surfacehq/surfacescan/internal/cache"
	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/internal/database"
	"github.com/surfacehq/surfacescan/internal/intel"
	"github.com/surfacehq/surfacescan/internal/jobs"
	"github.com/surfacehq/surfacescan/internal/modules"
	"github.com/surfacehq/surfacescan/internal/telemetry"
	"github.com/surfacehq/surfacescan/internal/worker"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the scan worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		queue, err := jobs.NewRedisQueue(cfg.Redis, log)
		if err != nil {
			return err
		}
		defer queue.Close()

		store, err := database.NewStore(cfg.Database, log)
		if err != nil {
			return err
		}
		defer store.Close()

		tel, err := telemetry.New(ctx, cfg.Telemetry)
		if err != nil {
			return err
		}
		defer tel.Close()

		intelCache, err := cache.New(cfg.Cache.MaxEntries, cfg.Cache.DefaultTTL)
		if err != nil {
			return err
		}

		analyzer := buildAnalyzer(intelCache)

		registry := modules.NewRegistry()
		if err := registerModules(registry, store); err != nil {
			return err
		}

		runner := modules.NewRunner(registry, queue, store, tel, cfg.Modules.Timeout, log)
		pool := worker.NewPool(queue, store, runner, analyzer, tel, cfg.Worker, log)

		count := workerCount
		if count <= 0 {
			count = cfg.Worker.Count
		}
		if err := pool.Start(ctx, count); err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Infow("Shutting down worker pool", "signal", sig.String())

		return pool.Stop()
	},
}

func buildAnalyzer(intelCache *cache.Cache) *intel.Analyzer {
	ic := cfg.Intel
	sources := []intel.VulnSourceClient{
		intel.NewOSVClient(ic.OSVBaseURL, ic.OSVTimeout, cfg.Cache.DefaultTTL, ic.RequestsPerSec, intelCache, log),
		intel.NewGitHubClient(ic.GitHubBaseURL, ic.GitHubToken, ic.GitHubTimeout, cfg.Cache.DefaultTTL, ic.RequestsPerSec, intelCache, log),
	}
	epss := intel.NewEPSSClient(ic.EPSSBaseURL, ic.EPSSBatchSize, ic.EPSSTimeout, ic.EPSSCacheTTL, ic.RequestsPerSec, intelCache, log)
	kev := intel.NewKEVClient(ic.KEVFeedURL, ic.KEVCacheTTL, ic.RequestsPerSec, intelCache, log)
	validator := intel.NewTimelineValidator(ic.DropVulnAgeYears, log)

	return intel.NewAnalyzer(sources, epss, kev, validator, ic.MaxConcurrency, log)
}

// registerModules wires the enabled detection modules. Exec modules come from
// config so external detector binaries can be added without a rebuild.
func registerModules(registry *modules.Registry, store core.ArtifactStore) error {
	for _, name := range cfg.Modules.Enabled {
		switch name {
		case "typosquat":
			if err := registry.Register(modules.NewTyposquatModule(cfg.Modules.Typosquat, store, log)); err != nil {
				return err
			}
		default:
			execCfg, ok := cfg.Modules.Exec[name]
			if !ok {
				return fmt.Errorf("unknown module %q enabled without exec config", name)
			}
			if err := registry.Register(modules.NewExecModule(name, execCfg, store, log)); err != nil {
				return err
			}
		}
	}
	return nil
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "count", 0, "number of workers (0 uses config)")
	rootCmd.AddCommand(workerCmd)
}
