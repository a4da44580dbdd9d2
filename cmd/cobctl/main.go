package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"loan-cob-scheduler/internal/config"
)

var Version = "dev"

func main() {
	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:          "cobctl",
		Short:        "Operate the loan close-of-business pipeline",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("api", cfg.APIBaseURL, "Base URL of the COB API")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(catchUpCmd())
	rootCmd.AddCommand(inlineCmd())
	rootCmd.AddCommand(dlqCmd())
	rootCmd.AddCommand(stepsCmd(cfg))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
