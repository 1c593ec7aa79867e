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

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/sattyamjjain/ferrumdeck-sub000/sdk"
)

func newApprovalsCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Resolve steps waiting for approval",
	}
	cmd.AddCommand(newApprovalResolveCommand(g, "grant", "Approve a waiting step"))
	cmd.AddCommand(newApprovalResolveCommand(g, "reject", "Reject a waiting step"))
	return cmd
}

func newApprovalResolveCommand(g *globals, verb, short string) *cobra.Command {
	var (
		approver string
		reason   string
		yes      bool
	)
	cmd := &cobra.Command{
		Use:   verb + " <approval-id>",
		Short: short,
		Long: short + `. The approval id is the step execution id shown by
'fdctl run steps' for steps in waiting_approval.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && isTTY() {
				confirmed := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("%s approval %s?", verb, args[0]),
				}
				if err := survey.AskOne(prompt, &confirmed); err != nil {
					return err
				}
				if !confirmed {
					fmt.Println(styleMuted.Render("aborted"))
					return nil
				}
			}
			client, cfg, err := g.client()
			if err != nil {
				return err
			}
			req := &sdk.ApprovalRequest{Approver: approver, Reason: reason}
			var run *sdk.Run
			if verb == "grant" {
				run, err = client.GrantApproval(cmd.Context(), args[0], req)
			} else {
				run, err = client.RejectApproval(cmd.Context(), args[0], req)
			}
			if err != nil {
				return err
			}
			if cfg.Output == "json" {
				return printJSON(run)
			}
			fmt.Println(renderOK(fmt.Sprintf("%sed; run %s is %s", verb, run.ID, renderStatus(string(run.Status)))))
			return nil
		},
	}
	cmd.Flags().StringVar(&approver, "approver", "", "Recorded approver (defaults to the token's subject)")
	cmd.Flags().StringVar(&reason, "reason", "", "Recorded reason")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}
