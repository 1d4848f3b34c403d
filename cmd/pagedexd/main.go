package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pagedex-io/pagedex/internal/cli"
	"github.com/pagedex-io/pagedex/internal/cli/admin"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pagedexd",
		Short: "Pagedex document indexing worker",
		Long:  "Pagedex consumes upload notifications, extracts and chunks document text, and maintains the vector index",
	}

	cli.AddHelpJSONFlag(rootCmd)
	rootCmd.AddCommand(admin.ProcessMessagesCmd())
	rootCmd.AddCommand(admin.RebuildIndexCmd())
	rootCmd.AddCommand(admin.DeleteIndexCmd())

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "process-messages")
	}

	cli.CheckHelpJSON(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
