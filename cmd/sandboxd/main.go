package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "sandboxd",
		Short: "Multi-tenant microVM code execution sandbox",
		Long:  "sandboxd runs a pool of warm microVMs behind an HTTP dispatcher, executing untrusted code on behalf of tenants in isolated guests.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a JSON or YAML config file (flags and environment variables still override it)")

	rootCmd.AddCommand(
		serveCmd(),
		healthCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sandboxd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
