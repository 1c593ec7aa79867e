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

// Package sdk is the Go client for the FerrumDeck control plane.
//
// It covers the full /v1 surface: registering workflows, starting and
// inspecting runs, the worker callbacks (policy oracle and step results),
// approvals, and tenant policy.
//
//	client, err := sdk.New("https://deck.example.com",
//		sdk.WithToken(os.Getenv("FD_API_TOKEN")),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	wf, err := client.CreateWorkflow(ctx, &sdk.CreateWorkflowRequest{
//		Definition: def,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	run, err := client.StartRun(ctx, &sdk.StartRunRequest{WorkflowID: wf.ID})
//
// API failures come back as *APIError carrying the server's error code;
// use IsNotFound, IsConflict, and friends to branch on them.
package sdk
