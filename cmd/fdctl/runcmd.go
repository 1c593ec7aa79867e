// Copyright 2026 Sattyam Jain
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	fderrors "github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/sdk"
)

func newRunCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start and inspect workflow runs",
	}
	cmd.AddCommand(newRunStartCommand(g))
	cmd.AddCommand(newRunGetCommand(g))
	cmd.AddCommand(newRunStepsCommand(g))
	cmd.AddCommand(newRunCancelCommand(g))
	return cmd
}

func newRunStartCommand(g *globals) *cobra.Command {
	var (
		inputJSON    string
		maxToolCalls int64
		maxTokens    int64
		maxCostCents int64
	)
	cmd := &cobra.Command{
		Use:   "start <workflow-id>",
		Short: "Start a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input map[string]any
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return &fderrors.ValidationError{Field: "input", Message: "must be a JSON object: " + err.Error()}
				}
			}
			var limits *sdk.Limits
			if maxToolCalls >= 0 || maxTokens >= 0 || maxCostCents >= 0 {
				limits = &sdk.Limits{}
				if maxToolCalls >= 0 {
					limits.MaxToolCalls = &maxToolCalls
				}
				if maxTokens >= 0 {
					limits.MaxTotalTokens = &maxTokens
				}
				if maxCostCents >= 0 {
					limits.MaxCostCents = &maxCostCents
				}
			}
			client, cfg, err := g.client()
			if err != nil {
				return err
			}
			run, err := client.StartRun(cmd.Context(), &sdk.StartRunRequest{
				WorkflowID: args[0],
				Input:      input,
				Budget:     limits,
			})
			if err != nil {
				return err
			}
			if cfg.Output == "json" {
				return printJSON(run)
			}
			fmt.Println(renderOK(fmt.Sprintf("started %s (%s)", run.ID, renderStatus(string(run.Status)))))
			return nil
		},
	}
	cmd.Flags().StringVar(&inputJSON, "input", "", "Run input as a JSON object")
	cmd.Flags().Int64Var(&maxToolCalls, "max-tool-calls", -1, "Budget: tool call cap (-1 unlimited)")
	cmd.Flags().Int64Var(&maxTokens, "max-tokens", -1, "Budget: total token cap (-1 unlimited)")
	cmd.Flags().Int64Var(&maxCostCents, "max-cost-cents", -1, "Budget: cost cap in cents (-1 unlimited)")
	return cmd
}

func newRunGetCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := g.client()
			if err != nil {
				return err
			}
			run, err := client.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cfg.Output == "json" {
				return printJSON(run)
			}
			printTable(
				[]string{"ID", "WORKFLOW", "STATUS", "TOKENS", "TOOL CALLS", "COST"},
				[][]string{{
					run.ID, run.WorkflowID, renderStatus(string(run.Status)),
					fmt.Sprintf("%d", run.Usage.TotalTokens),
					fmt.Sprintf("%d", run.Usage.ToolCalls),
					fmt.Sprintf("%d¢", run.Usage.CostCents),
				}},
			)
			if run.Error != "" {
				fmt.Println(renderError(run.Error))
			}
			return nil
		},
	}
}

func newRunStepsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "steps <run-id>",
		Short: "List a run's step executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := g.client()
			if err != nil {
				return err
			}
			steps, err := client.ListSteps(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cfg.Output == "json" {
				return printJSON(steps)
			}
			rows := make([][]string, 0, len(steps))
			for _, s := range steps {
				errText := s.Error
				if len(errText) > 60 {
					errText = errText[:57] + "..."
				}
				rows = append(rows, []string{
					s.ID, s.StepDefID, fmt.Sprintf("%d", s.Attempt),
					renderStatus(string(s.Status)), errText,
				})
			}
			printTable([]string{"ID", "STEP", "ATTEMPT", "STATUS", "ERROR"}, rows)
			return nil
		},
	}
}

func newRunCancelCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Long: `cancel marks the run cancelled. Steps already in flight finish and
their results are recorded, but nothing new is released.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := g.client()
			if err != nil {
				return err
			}
			run, err := client.CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cfg.Output == "json" {
				return printJSON(run)
			}
			fmt.Println(renderOK(fmt.Sprintf("%s is %s", run.ID, renderStatus(string(run.Status)))))
			return nil
		},
	}
}
