package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "termrt",
		Short:         "Terminal sessions, reverse tunnels and port forwards for remote machines",
		SilenceUsage:  true,
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newKeysCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
