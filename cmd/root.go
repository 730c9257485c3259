package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"hookinbox/internal/config"
)

// Version is set at build time via -ldflags "-X hookinbox/cmd.Version=v1.0.0"
var Version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:          "hookinbox",
	Short:        "hookinbox: universal inbox for webhooks, devices and scripts",
	Long:         "hookinbox accepts arbitrary payloads on per-user inbox endpoints, stores and classifies them, and relays them to configured webhooks.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hookinbox %s\n", Version)
		},
	}
}

// loadConfig reads the dotenv file, if present, then the environment.
func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return config.Load()
}

// Execute runs the root cobra command. SIGINT and SIGTERM cancel the
// command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
