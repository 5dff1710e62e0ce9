package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"skuld/api/config"
	"skuld/api/logging"
	"skuld/api/model"
	"skuld/api/secrets"
	"skuld/api/store"
	"skuld/api/validate"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "skuld",
	Short: "Function dispatch and result correlation control plane",
	Long: `Skuld queues function invocations for out-of-process workers, routes
their completions back to waiting callers or the job store, tracks worker
liveness from heartbeats and throttles inbound traffic per client.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		local, _ := cmd.Flags().GetBool("local")
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, log, local)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		db, err := store.Connect(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		if err := store.Migrate(db); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
		log.Info("migrations applied")
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check function manifests without touching the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if cfg.FunctionsDir == "" {
			return fmt.Errorf("SKULD_FUNCTIONS_DIR is not set")
		}
		fns, err := model.DiscoverFunctions(cfg.FunctionsDir)
		if err != nil {
			return err
		}
		v := &validate.Validator{Secrets: secrets.NewManager(cfg.SecretsDir)}
		out := cmd.OutOrStdout()
		invalid := 0
		for _, fn := range fns {
			r := v.Validate(cmd.Context(), fn)
			if !r.Valid() {
				invalid++
			}
			fmt.Fprintf(out, "%-24s %s\n", fn.ID, r.Summary())
			for _, f := range r.Findings {
				fmt.Fprintf(out, "  [%s] %s: %s\n", f.Severity, f.Check, f.Message)
			}
		}
		if invalid > 0 {
			return fmt.Errorf("%d of %d functions invalid", invalid, len(fns))
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "skuld "+Version)
	},
}

func init() {
	serveCmd.Flags().Bool("local", false, "in-memory queue, job store, limiter and pub/sub (single instance, no valkey)")
	rootCmd.AddCommand(serveCmd, migrateCmd, validateCmd, versionCmd)
}

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	return cfg, logging.Setup(cfg.LogLevel, cfg.LogFormat), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
