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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/workflow"
	"github.com/sattyamjjain/ferrumdeck-sub000/sdk"
)

func newWorkflowCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Manage workflow templates",
	}
	cmd.AddCommand(newWorkflowRegisterCommand(g))
	cmd.AddCommand(newWorkflowListCommand(g))
	cmd.AddCommand(newWorkflowGetCommand(g))
	return cmd
}

func newWorkflowRegisterCommand(g *globals) *cobra.Command {
	var versionFlag string
	cmd := &cobra.Command{
		Use:   "register <file.yaml>",
		Short: "Register a workflow definition",
		Long: `register parses a YAML workflow definition, validates it locally,
and registers it with the control plane. The server compiles the DAG;
cyclic or dangling dependencies are rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := workflow.ParseDefinition(raw)
			if err != nil {
				return err
			}
			client, cfg, err := g.client()
			if err != nil {
				return err
			}
			wf, err := client.CreateWorkflow(cmd.Context(), &sdk.CreateWorkflowRequest{
				Version:    versionFlag,
				Definition: def,
			})
			if err != nil {
				return err
			}
			if cfg.Output == "json" {
				return printJSON(wf)
			}
			fmt.Println(renderOK(fmt.Sprintf("registered %s version %s as %s", wf.Name, wf.Version, wf.ID)))
			return nil
		},
	}
	cmd.Flags().StringVar(&versionFlag, "version", "", "Template version label (default \"1\")")
	return cmd
}

func newWorkflowListCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := g.client()
			if err != nil {
				return err
			}
			wfs, err := client.ListWorkflows(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Output == "json" {
				return printJSON(wfs)
			}
			rows := make([][]string, 0, len(wfs))
			for _, wf := range wfs {
				rows = append(rows, []string{
					wf.ID, wf.Name, wf.Version,
					fmt.Sprintf("%d", len(wf.Definition.Steps)),
					wf.CreatedAt.Format("2006-01-02 15:04:05"),
				})
			}
			printTable([]string{"ID", "NAME", "VERSION", "STEPS", "CREATED"}, rows)
			return nil
		},
	}
}

func newWorkflowGetCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <workflow-id>",
		Short: "Show one workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := g.client()
			if err != nil {
				return err
			}
			wf, err := client.GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			// Full definitions are only readable as JSON.
			return printJSON(wf)
		},
	}
}
