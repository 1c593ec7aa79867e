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
	"net/url"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/config"
	fderrors "github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

func newInitCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Configure the API endpoint and credentials",
		Long: `init walks through the CLI configuration: control plane URL,
API token (stored in the OS keyring, never on disk), and default
output format.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isTTY() {
				return &fderrors.ConfigError{Key: "init", Reason: "requires an interactive terminal; set --api-url and FD_API_TOKEN instead"}
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			apiURL := cfg.APIURL
			output := cfg.Output
			token := ""

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Control plane URL").
						Value(&apiURL).
						Validate(func(s string) error {
							u, err := url.Parse(s)
							if err != nil || u.Scheme == "" || u.Host == "" {
								return fmt.Errorf("enter a full URL, e.g. https://deck.example.com")
							}
							return nil
						}),
					huh.NewInput().
						Title("API token").
						Description("Stored in the OS keyring. Leave empty to keep the current one.").
						EchoMode(huh.EchoModePassword).
						Value(&token),
					huh.NewSelect[string]().
						Title("Default output").
						Options(
							huh.NewOption("table", "table"),
							huh.NewOption("json", "json"),
						).
						Value(&output),
				),
			)
			if err := form.Run(); err != nil {
				return err
			}

			cfg.APIURL = apiURL
			cfg.Output = output

			path := g.configPath
			if path == "" {
				if path, err = config.CLIConfigPath(); err != nil {
					return err
				}
			}
			if err := cfg.SaveCLI(path); err != nil {
				return err
			}
			if token != "" {
				if err := keyring.Set(keyringService, "api_token", token); err != nil {
					return fmt.Errorf("store token in keyring: %w", err)
				}
			}

			fmt.Println(renderOK("configuration written to " + path))
			return nil
		},
	}
}
