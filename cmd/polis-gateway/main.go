// Package main is the entry point for the polis-gateway binary.
// It assembles routing pipelines from a route file, serves them behind the
// admin API and keeps them in step with the route file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-gateway/pkg/assembler"
	"github.com/polisai/polis-gateway/pkg/config"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/logging"
	_ "github.com/polisai/polis-gateway/pkg/modules/builtin"
	"github.com/polisai/polis-gateway/pkg/registry"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

const defaultConfigPath = "config.yaml"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFiles   []string
	routesFile string
	logLevel   string
	pretty     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-gateway
func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "polis-gateway",
		Short: "Pipeline composition gateway for AI provider routing",
		Long: `polis-gateway assembles one processing pipeline per route target
(transformer, protocol, server-compatibility, transport) and executes
requests through them, pausing pipelines whose provider needs attention.

Example:
  polis-gateway serve --config config.yaml
  polis-gateway assemble --routes routes.yaml`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file (YAML)")
	pf.StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, "Dotenv files loaded before configuration")
	pf.StringVarP(&flags.routesFile, "routes", "r", "", "Route file, overrides routes.file")
	pf.StringVarP(&flags.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	pf.BoolVar(&flags.pretty, "pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(newServeCmd(flags), newAssembleCmd(flags), newVersionCmd())
	return rootCmd
}

// loadConfig resolves configuration from dotenv files, the config file,
// environment overrides and finally CLI flags.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	if err := config.LoadDotEnv(flags.envFiles...); err != nil {
		return nil, err
	}

	path := flags.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flags.routesFile != "" {
		cfg.Routes.File = flags.routesFile
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.pretty {
		cfg.Logging.Pretty = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	lc := cfg.Logging
	lc.Output = out
	return logging.NewLogger(lc)
}

// assembleOutput is the JSON document printed by the assemble command.
type assembleOutput struct {
	Success   bool                     `json:"success"`
	Stats     assembler.Stats          `json:"stats"`
	Pipelines []domain.PipelineSummary `json:"pipelines"`
	Failed    []domain.PipelineSummary `json:"failed,omitempty"`
	Warnings  []string                 `json:"warnings,omitempty"`
}

func newAssembleCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "assemble",
		Short: "Assemble the route file and print the resulting pipelines",
		Long: `Validate the route file by assembling every route against the built-in
modules without starting them. Exits non-zero when any route fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			routes, err := config.LoadRoutes(cfg.Routes.File)
			if err != nil {
				return err
			}

			a := assembler.New(assembler.Options{
				Registry:          registry.Default(),
				Logger:            logger,
				InferKindFromName: cfg.Routes.InferKindFromName,
			})
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			result := a.Assemble(ctx, routes)
			defer func() {
				if err := a.Destroy(ctx); err != nil {
					logger.Warn("assembler cleanup failed", "error", err)
				}
			}()

			out := assembleOutput{
				Success:   result.Success,
				Stats:     result.Stats,
				Pipelines: make([]domain.PipelineSummary, 0, len(result.AllPipelines)),
				Warnings:  result.Warnings,
			}
			for _, p := range result.AllPipelines {
				out.Pipelines = append(out.Pipelines, p.Summary())
			}
			for _, p := range result.Failed {
				out.Failed = append(out.Failed, p.Summary())
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("%d of %d routes failed to assemble", result.Stats.FailedAssemblies, result.Stats.TotalPipelines)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "polis-gateway %s (%s)\n", version, commit)
		},
	}
}
