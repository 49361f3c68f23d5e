package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "biomex"
	version = "v1.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Biomex trading venue",
		Version: version,
		Long: `Biomex runs the venue backend: the instrument matching engine, the
biome share market, margin monitoring, the payment gateway bridge and
the REST/websocket API, all in one process.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and trading engines",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "config.yaml", "Path to the YAML configuration file")
	serveCmd.Flags().Bool("fake-gateway", false, "Use the in-process fake payment gateway regardless of config")

	adminCmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an administrator account",
		Long:  "Creates an admin account in the configured store, prompting for the password on the terminal.",
		RunE:  runCreateAdmin,
	}
	adminCmd.Flags().String("config", "config.yaml", "Path to the YAML configuration file")
	adminCmd.Flags().String("username", "", "Admin username (required)")
	adminCmd.Flags().String("email", "", "Admin email (required)")
	adminCmd.MarkFlagRequired("username")
	adminCmd.MarkFlagRequired("email")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(adminCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
