// Command logdna-agent is the process entry point: it loads
// configuration, wires the Watcher, Tailer, Client, and Retry stages
// together, and runs until a termination signal arrives. CLI surface
// grounded on misty-step-bitterblossom's cmd/bb/main.go (a cobra root
// command with persistent flags and one RunE per subcommand), adapted
// from bitterblossom's sprite-lifecycle subcommands to this agent's
// run/version/config-check surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/logdna/agent/internal/agentconfig"
	"github.com/logdna/agent/internal/agentlog"
	"github.com/logdna/agent/internal/client"
	"github.com/logdna/agent/internal/hostmeta"
	"github.com/logdna/agent/internal/middleware"
	"github.com/logdna/agent/internal/pipeline"
	"github.com/logdna/agent/internal/retry"
	"github.com/logdna/agent/internal/rules"
	"github.com/logdna/agent/internal/tailer"
	"github.com/logdna/agent/internal/watcher"
)

// version is stamped at build time via -ldflags; "dev" is the fallback
// for local builds.
var version = "dev"

// channel capacities from spec §5's bounded-edge table.
const (
	watcherToTailerCap = 32000
	tailerToClientCap  = 32000
	clientToRetryCap   = 256
	retryToClientCap   = 256
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	LogLevel string
	SpoolDir string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "logdna-agent",
		Short: "Host-resident log watcher and shipper",
	}
	cmd.SilenceUsage = true
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "Log level: disabled|error|warn|info|debug|trace")
	cmd.PersistentFlags().StringVar(&opts.SpoolDir, "spool-dir", "/tmp/logdna", "Retry spool directory")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newConfigCheckCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-check",
		Short: "Validate configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := agentconfig.Load()
			if err != nil {
				return err
			}
			fmt.Printf("config OK: host=%s endpoint=%s dirs=%v\n", cfg.Host, cfg.Endpoint, cfg.Dirs)
			return nil
		},
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(opts)
		},
	}
	return cmd
}

func runAgent(opts *rootOptions) error {
	level, ok := agentlog.NameToLevel(opts.LogLevel)
	if !ok {
		level = agentlog.LevelInfo
	}
	logger := agentlog.New(level)

	cfg, err := agentconfig.Load()
	if err != nil {
		logger.Fatal("configuration error", "err", err)
		return err
	}

	r := rules.New()
	for _, pattern := range cfg.IncludeGlob {
		if err := r.AddInclusionGlob(pattern); err != nil {
			logger.Fatal("invalid include glob", "pattern", pattern, "err", err)
			return err
		}
	}
	for _, pattern := range cfg.IncludeRegex {
		if err := r.AddInclusionRegex(pattern); err != nil {
			logger.Fatal("invalid include regex", "pattern", pattern, "err", err)
			return err
		}
	}
	for _, pattern := range cfg.ExcludeGlob {
		if err := r.AddExclusionGlob(pattern); err != nil {
			logger.Fatal("invalid exclude glob", "pattern", pattern, "err", err)
			return err
		}
	}
	for _, pattern := range cfg.ExcludeRegex {
		if err := r.AddExclusionRegex(pattern); err != nil {
			logger.Fatal("invalid exclude regex", "pattern", pattern, "err", err)
			return err
		}
	}
	if err := r.AddIgnoreFile("/etc/logdna/.logdnaignore"); err != nil {
		logger.Fatal("invalid ignore file", "err", err)
		return err
	}

	meta := hostmeta.Discover()
	if cfg.Hostname != "" {
		meta.Hostname = cfg.Hostname
	}
	if cfg.IP != "" {
		meta.IP = cfg.IP
	}
	if cfg.MAC != "" {
		meta.MAC = cfg.MAC
	}
	if len(cfg.Tags) > 0 {
		meta.Tags = cfg.Tags
	}

	params := map[string]string{"hostname": meta.Hostname}
	if meta.IP != "" {
		params["ip"] = meta.IP
	}
	if meta.MAC != "" {
		params["mac"] = meta.MAC
	}
	for k, v := range cfg.Params {
		params[k] = v
	}

	spoolDir := opts.SpoolDir
	if spoolDir == "" {
		spoolDir = filepath.Clean("/tmp/logdna")
	}
	retryComponent, err := retry.New(spoolDir, logger.Sublogger("retry"))
	if err != nil {
		logger.Fatal("cannot create spool directory", "err", err)
		return err
	}

	schema := "https"
	if !cfg.UseSSL {
		schema = "http"
	}
	clientCfg := client.DefaultConfig()
	clientCfg.Schema = schema
	clientCfg.Host = cfg.Host
	clientCfg.Endpoint = cfg.Endpoint
	clientCfg.APIKey = cfg.IngestionKey
	clientCfg.Params = params
	clientCfg.GzipEnabled = cfg.Encoding.Gzip
	clientCfg.GzipLevel = cfg.Encoding.Level
	if cfg.BufferMaxBytes > 0 {
		clientCfg.BufferMaxBytes = int(cfg.BufferMaxBytes)
	}

	ingestClient, err := client.New(clientCfg, logger.Sublogger("client"))
	if err != nil {
		logger.Fatal("invalid client configuration", "err", err)
		return err
	}

	watcherBuilder := watcher.NewBuilder().WithRules(r).WithLogger(logger.Sublogger("watcher"))
	for _, dir := range cfg.Dirs {
		watcherBuilder.AddDirectory(dir)
	}
	w, err := watcherBuilder.Build()
	if err != nil {
		logger.Fatal("cannot initialize watcher", "err", err)
		return err
	}

	t := tailer.New(logger.Sublogger("tailer"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	watcherEvents := make(chan watcher.Event, watcherToTailerCap)
	lines := make(chan pipeline.LineRecord, tailerToClientCap)
	enriched := make(chan pipeline.LineRecord, tailerToClientCap)
	clientInput := make(chan pipeline.ClientInput, tailerToClientCap)
	failedBodies := make(chan pipeline.IngestBody, clientToRetryCap)
	reinjected := make(chan pipeline.IngestBody, retryToClientCap)

	executor := middleware.NewExecutor()
	executor.Register(middleware.NewTagStamper(meta.Tags, enriched))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx, watcherEvents); err != nil {
			logger.Error("watcher stopped with error", "err", err)
		}
		close(watcherEvents)
	}()

	go func() {
		t.Run(watcherEvents, lines)
		close(lines)
	}()

	go func() {
		for line := range lines {
			executor.Broadcast(line)
		}
		close(enriched)
	}()

	var feeders sync.WaitGroup
	feeders.Add(2)
	go func() {
		defer feeders.Done()
		for line := range enriched {
			l := line
			clientInput <- pipeline.ClientInput{Line: &l}
		}
	}()
	go func() {
		defer feeders.Done()
		for body := range reinjected {
			b := body
			clientInput <- pipeline.ClientInput{Body: &b}
		}
	}()
	go func() {
		feeders.Wait()
		close(clientInput)
	}()

	go retryComponent.RunIngress(failedBodies)
	go func() {
		retryComponent.RunEgress(ctx, reinjected)
		close(reinjected)
	}()

	ingestClient.Run(ctx, clientInput, failedBodies)

	<-done
	logger.Info("agent shut down cleanly")
	return nil
}
