package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "accord",
	Short: "Accord - concurrent file access coordinator",
	Long: `Accord serializes writes to shared workspace files across AI-agent
sessions, detects stale writer versions by content hash, and applies
fail-fast, last-write-wins, or auto-merge resolution before committing.`,
}

func Execute() error {
	return rootCmd.Execute()
}
