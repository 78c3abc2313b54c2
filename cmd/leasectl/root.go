package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kneutral-org/leaselock/internal/api"
)

var (
	client *api.Client

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "leasectl",
		Short: "Manage resources and leases on a leaselockd server",
		Long: `leasectl talks to the leaselockd HTTP API.

Flags can also be set through the environment with the LEASECTL_ prefix,
e.g. LEASECTL_SERVER=http://locks.internal:8080.`,
		SilenceUsage:      true,
		PersistentPreRunE: setupClient,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.AddCommand(resourceCmd)
	RootCmd.AddCommand(leaseCmd)

	RootCmd.PersistentFlags().String("server", "http://localhost:8080", "base URL of the leaselockd server")
	RootCmd.PersistentFlags().Duration("request-timeout", 90*time.Second, "timeout of a single API request")
}

// initConfig loads env files and reads LEASECTL_* variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("leasectl")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setupClient(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	client = api.NewClient(viper.GetString("server"), &http.Client{
		Timeout: viper.GetDuration("request-timeout"),
	})
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to print response: %w", err)
	}
	return nil
}
