package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"loan-cob-scheduler/internal/app"
	"loan-cob-scheduler/internal/config"
)

func clientFor(cmd *cobra.Command) *apiClient {
	base, _ := cmd.Flags().GetString("api")
	return newAPIClient(base)
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch the daily COB job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{}
			if date, _ := cmd.Flags().GetString("business-date"); date != "" {
				body["business_date"] = date
			}
			return clientFor(cmd).print(cmd.Context(), cmd.OutOrStdout(), http.MethodPost, "/v1/jobs/loan-cob/run", body)
		},
	}
	cmd.Flags().String("business-date", "", "Business date (YYYY-MM-DD); the run closes the day before. Defaults to the stored business date")
	return cmd
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect or stop a job execution",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get [id]",
		Short: "Show an execution",
		Args:  executionID,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd).print(cmd.Context(), cmd.OutOrStdout(), http.MethodGet, "/v1/jobs/"+args[0], nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop [id]",
		Short: "Ask a running execution to stop",
		Args:  executionID,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd).print(cmd.Context(), cmd.OutOrStdout(), http.MethodPost, "/v1/jobs/"+args[0]+"/stop", nil)
		},
	})
	return cmd
}

func catchUpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catch-up",
		Short: "Replay COB for loans behind the current business date",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "trigger",
		Short: "Start a catch-up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFor(cmd).do(cmd.Context(), http.MethodPost, "/v1/loans/catch-up", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "catch-up started")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether a catch-up is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd).print(cmd.Context(), cmd.OutOrStdout(), http.MethodGet, "/v1/loans/catch-up/is-running", nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "oldest",
		Short: "List the loans with the oldest closed COB date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd).print(cmd.Context(), cmd.OutOrStdout(), http.MethodGet, "/v1/loans/oldest-cob-closed", nil)
		},
	})
	return cmd
}

func inlineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inline [loan-id...]",
		Short: "Run COB for the given loans immediately",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid loan id %q", a)
				}
				ids = append(ids, id)
			}
			return clientFor(cmd).print(cmd.Context(), cmd.OutOrStdout(), http.MethodPost, "/v1/loans/inline-cob",
				map[string][]int64{"loanIds": ids})
		},
	}
}

func dlqCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dlq",
		Short: "Show dead-lettered partitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd).print(cmd.Context(), cmd.OutOrStdout(), http.MethodGet, "/dlq", nil)
		},
	}
}

func stepsCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Manage the business step registry",
	}
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Replace the stored step chains with a YAML step file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			pipeline, err := app.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer pipeline.Close()
			if err := pipeline.SeedSteps(ctx, file); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %s\n", file)
			return nil
		},
	}
	syncCmd.Flags().StringP("file", "f", cfg.BusinessStepsFile, "Step file to load")
	cmd.AddCommand(syncCmd)
	return cmd
}

func executionID(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
		return fmt.Errorf("invalid execution id %q", args[0])
	}
	return nil
}
