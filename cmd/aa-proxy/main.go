// Command aa-proxy-rs bridges a wireless Android phone to a wired car head
// unit, impersonating each side of the Android Auto handshake to the other.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aa-proxy/aa-proxy-go/pkg/battery"
	"github.com/aa-proxy/aa-proxy-go/pkg/config"
	"github.com/aa-proxy/aa-proxy-go/pkg/history"
	"github.com/aa-proxy/aa-proxy-go/pkg/logger"
	"github.com/aa-proxy/aa-proxy-go/pkg/orchestrator"
	"github.com/aa-proxy/aa-proxy-go/pkg/statusapi"
)

// Exit codes per spec.md §6.
const (
	exitOK             = 0
	exitConfigInvalid  = 1
	exitKernelMissing  = 2
)

var (
	version = "dev"

	cfgPath       string
	generateConf  bool
	forceOverwrite bool
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode != exitOK {
			return exitCode
		}
		return exitConfigInvalid
	}
	return exitCode
}

// exitCode is set by subcommands that need to signal a specific exit status
// back to run(), since cobra itself only distinguishes error/no-error.
var exitCode = exitOK

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "aa-proxy-rs",
		Short:   "Wireless-to-wired Android Auto bridge",
		Version: version,
		RunE:    runStart,
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config.toml")
	cmd.Flags().BoolVar(&generateConf, "generate-system-config", false, "write a default config.toml and exit")
	cmd.Flags().BoolVar(&forceOverwrite, "force", false, "overwrite an existing config file with --generate-system-config")
	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	if generateConf {
		return generateSystemConfig()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		exitCode = exitConfigInvalid
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		exitCode = exitConfigInvalid
		return fmt.Errorf("invalid config: %w", err)
	}

	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	output := "stdout"
	if cfg.Logfile != "" {
		output = "file"
	}
	log := logger.New(logger.Config{Level: level, Format: "text", Output: output, File: cfg.Logfile})
	logger.SetGlobal(log)

	hist, err := history.Open("/var/lib/aa-proxy-rs/history.db")
	if err != nil {
		log.Warn(fmt.Sprintf("history store unavailable: %v", err), "component", "main")
		hist = nil
	} else {
		defer hist.Close()
	}

	battStore := battery.NewStore()

	orch := orchestrator.New(cfg, log, hist, battStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal", "component", "main")
		cancel()
	}()

	errCh := make(chan error, 3)

	go func() { errCh <- orch.Run(ctx) }()

	battSv := battery.NewServer(battStore, log)
	go func() { errCh <- battSv.ListenAndServe(ctx) }()

	statusSv := statusapi.NewServer(orch, log)
	go func() { errCh <- statusSv.Run(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			if orchestrator.Fatal(err) {
				if errors.Is(err, orchestrator.ErrKernelFacilityMissing) {
					exitCode = exitKernelMissing
				} else {
					exitCode = exitConfigInvalid
				}
			}
			cancel()
			return err
		}
		return nil
	}
}

func generateSystemConfig() error {
	path := cfgPath
	if path == "" {
		path = config.DefaultPath()
	}
	if !forceOverwrite {
		if _, err := os.Stat(path); err == nil {
			exitCode = exitConfigInvalid
			return fmt.Errorf("%s already exists; pass --force to overwrite", path)
		}
	}
	if err := config.Save(path, config.DefaultConfig()); err != nil {
		exitCode = exitConfigInvalid
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("wrote default configuration to %s\n", path)
	return nil
}
