package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/fundi/internal/config"
)

var (
	fixRepository string
	fixRef        string
	fixToken      string
	fixOutput     string
)

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Diagnose test failures and fix them with the LLM agent",
	Long: `Fix hands the source tree to an LLM agent that reads, edits, and re-tests
until the suite passes.

Without GitHub parameters, the repaired tree is exported to a local
directory. With --repository, --ref, and --token all set (or configured),
a branch is pushed, a pull request is opened, and a commit comment with
the summary and diff is posted instead.`,
	RunE: runFix,
}

func init() {
	fixCmd.Flags().StringVar(&fixRepository, "repository", "", "owner and repository name, e.g. owner/repo")
	fixCmd.Flags().StringVar(&fixRef, "ref", "", "git ref the fix targets, e.g. main")
	fixCmd.Flags().StringVar(&fixToken, "token", "", "GitHub API token (GITHUB_TOKEN env var also works)")
	fixCmd.Flags().StringVar(&fixOutput, "output", "", "directory the fixed tree is exported to in local mode")
}

func runFix(_ *cobra.Command, _ []string) error {
	c, err := initShared()
	if err != nil {
		return err
	}
	defer c.Cleanup()

	applyGitHubFlags(c.Config)

	orchestrator, err := c.newFixOrchestrator()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	res, err := orchestrator.Fix(ctx, sourceDir, c.fixOptions(fixOutput))
	if err != nil {
		return err
	}

	fmt.Println(res.Summary)
	if res.Directory != "" {
		fmt.Printf("fixed tree exported to %s\n", res.Directory)
	}
	return nil
}

// applyGitHubFlags overlays the fix command's flags onto the loaded config.
// Flags take precedence over file and environment values.
func applyGitHubFlags(cfg *config.Config) {
	if fixRepository == "" && fixRef == "" && fixToken == "" {
		return
	}
	if cfg.GitHub == nil {
		cfg.GitHub = &config.GitHubConfig{}
	}
	if fixRepository != "" {
		cfg.GitHub.Repository = fixRepository
	}
	if fixRef != "" {
		cfg.GitHub.Ref = fixRef
	}
	if fixToken != "" {
		cfg.GitHub.Token = fixToken
	}
}
