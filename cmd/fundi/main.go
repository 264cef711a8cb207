// Fundi — build, test, and fix automation for containerized projects.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var (
	configPath string
	sourceDir  string
)

var rootCmd = &cobra.Command{
	Use:   "fundi",
	Short: "Fundi — build, test, and fix automation for containerized projects.",
	Long: `Fundi provisions isolated container environments for a project, runs its
test suite against a fresh database, builds and publishes application
images, and hands failing trees to an LLM agent that diagnoses and fixes
them — locally or by opening a pull request.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&sourceDir, "source", ".", "project source directory")
	rootCmd.AddCommand(testCmd, buildCmd, serveCmd, publishCmd, fixCmd, watchCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
