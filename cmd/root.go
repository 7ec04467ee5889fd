// Package cmd defines the dat-gateway command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/dat-gateway/internal/config"
	"github.com/JakeFAU/dat-gateway/internal/server"
)

// runApp builds and runs the gateway. It's a variable so tests can swap in
// a fake and inspect the loaded config.
var runApp = func(ctx context.Context, cfg *config.Config) error {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	return app.Run(ctx)
}

// newRootCmd creates and configures the root command. Without a subcommand
// it starts the gateway.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dat-gateway",
		Short: "An HTTP gateway for Dat archives.",
		Long: `dat-gateway serves files from peer-to-peer Dat archives over plain HTTP.
Archives are addressed by key or DNS name, either in the path
(/<address>/<file>) or as a subdomain of the gateway host, and are kept in a
bounded cache that closes idle archives.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runServe,
	}

	cmd.PersistentFlags().String("config", "", "path to a YAML/JSON/TOML config file")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCmd(), newVersionCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the gateway",
		Args:    cobra.NoArgs,
		RunE:    runServe,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), server.Version)
		},
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("read config flag: %w", err)
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return runApp(cmd.Context(), &cfg)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
