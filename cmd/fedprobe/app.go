package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/fedprobe/internal/core"
	"github.com/3cpo-dev/fedprobe/internal/credentials"
	"github.com/3cpo-dev/fedprobe/internal/im"
	"github.com/3cpo-dev/fedprobe/internal/sites"
	"github.com/3cpo-dev/fedprobe/internal/ssh"
	"github.com/3cpo-dev/fedprobe/internal/telemetry"
)

// Resolve the configuration
func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

// openStore opens the journal unless it is disabled. A journal that cannot be
// opened is logged and skipped when optional is true.
func openStore(cfg core.Config, optional bool) (*core.Store, error) {
	if cfg.Store.Disabled {
		if optional {
			return nil, nil
		}
		return nil, fmt.Errorf("journal is disabled in the configuration")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0700); err != nil {
		return failStore(optional, fmt.Errorf("journal dir: %w", err))
	}
	st, err := core.NewStore(cfg.Store.Path)
	if err != nil {
		return failStore(optional, fmt.Errorf("open journal %s: %w", cfg.Store.Path, err))
	}
	return st, nil
}

func failStore(optional bool, err error) (*core.Store, error) {
	if optional {
		log.Warn().Err(err).Msg("continuing without journal")
		return nil, nil
	}
	return nil, err
}

func newIMClient(cfg core.Config, metrics *telemetry.Collector) *im.Client {
	return im.NewClient(cfg.IM.Endpoint, cfg.IM.Timeout).WithMetrics(metrics)
}

func newSitesClient(cfg core.Config) *sites.Client {
	return sites.NewClient(cfg.Sites.Endpoint, cfg.Sites.AppDB, cfg.Sites.Timeout)
}

// newOrchestrator wires the probe components from cfg.
func newOrchestrator(cfg core.Config, metrics *telemetry.Collector, store *core.Store) *core.Orchestrator {
	o := &core.Orchestrator{
		IM: newIMClient(cfg, metrics),
		SSH: &ssh.Executor{
			Timeout: cfg.SSH.Timeout,
			Retries: cfg.SSH.Retries,
			Backoff: cfg.SSH.Backoff,
		},
		Credentials: credentials.Builder{Dir: cfg.Credentials.Dir},
		Poller: core.Poller{
			Attempts: cfg.Probe.Attempts,
			Interval: cfg.Probe.Interval,
			Settle:   cfg.Probe.Settle,
		},
		Image:          cfg.Probe.Image,
		Format:         im.Format(cfg.IM.Format),
		SSHPort:        cfg.SSH.Port,
		DestroyTimeout: cfg.IM.DestroyTimeout,
		Metrics:        metrics,
	}
	// A typed nil would make the interface non-nil.
	if store != nil {
		o.Journal = store
	}
	return o
}

func writeTextfile(cfg core.Config, metrics *telemetry.Collector) {
	if cfg.Telemetry.Textfile == "" {
		return
	}
	if err := metrics.WriteTextfile(cfg.Telemetry.Textfile); err != nil {
		log.Warn().Err(err).Msg("metrics not exported")
	}
}
