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
	"github.com/zalando/go-keyring"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/config"
	"github.com/sattyamjjain/ferrumdeck-sub000/sdk"
)

const keyringService = "ferrumdeck"

// flags shared across subcommands.
type globals struct {
	apiURL     string
	output     string
	configPath string
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:   "fdctl",
		Short: "fdctl - FerrumDeck control-plane CLI",
		Long: `fdctl manages workflows, runs, and approvals on a FerrumDeck
control plane.

Run 'fdctl init' to configure the API endpoint and credentials.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&g.apiURL, "api-url", "", "Control plane URL (overrides config)")
	cmd.PersistentFlags().StringVarP(&g.output, "output", "o", "", "Output format: table, json")
	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file (default: ~/.config/ferrumdeck/config.yaml)")

	cmd.AddCommand(newInitCommand(g))
	cmd.AddCommand(newWorkflowCommand(g))
	cmd.AddCommand(newRunCommand(g))
	cmd.AddCommand(newApprovalsCommand(g))

	return cmd
}

// loadConfig merges the config file with flag overrides.
func (g *globals) loadConfig() (*config.CLI, error) {
	path := g.configPath
	if path == "" {
		var err error
		if path, err = config.CLIConfigPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.LoadCLI(path)
	if err != nil {
		return nil, err
	}
	if g.apiURL != "" {
		cfg.APIURL = g.apiURL
	}
	if g.output != "" {
		cfg.Output = g.output
	}
	return cfg, nil
}

// client builds the sdk client, resolving the API token from the
// environment first and the OS keyring second.
func (g *globals) client() (*sdk.Client, *config.CLI, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	token := os.Getenv("FD_API_TOKEN")
	if token == "" {
		token, _ = keyring.Get(keyringService, "api_token")
	}
	opts := []sdk.Option{}
	if token != "" {
		opts = append(opts, sdk.WithToken(token))
	}
	client, err := sdk.New(cfg.APIURL, opts...)
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}
