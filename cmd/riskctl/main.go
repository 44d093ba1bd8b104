package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
	logFormat  string
	outFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "riskctl",
	Short: "Kill switch and Kelly allocation control for prediction-market trading",
	Long: `riskctl operates the persistent trading kill switch and the fractional-Kelly
portfolio allocator.

Kill switch state lives in a JSON file shared by every process using the same
config; changes made here are seen by a running server on its next call.

Examples:
  riskctl status
  riskctl arm
  riskctl check --balance 10250.40
  riskctl trigger --level close_all --reason "venue outage" --by alice
  riskctl reset --by alice
  riskctl allocate --snapshot book.yaml
  riskctl serve`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (defaults and env vars only when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file with secrets")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log format: json or console")
	rootCmd.PersistentFlags().StringVar(&outFormat, "format", "table", "Output format: table or json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
