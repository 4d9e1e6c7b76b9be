// Package main is the quillctl command line client for the QuillForge API.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "quillctl",
	Short:        "QuillForge CLI",
	Long:         "quillctl submits, inspects, and manages article generation jobs.",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().String("api-url", "", "API base URL (or QUILLFORGE_API_URL env var)")
	rootCmd.PersistentFlags().String("api-key", "", "API key (or QUILLFORGE_API_KEY env var)")

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(topupCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
