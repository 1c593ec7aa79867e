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

package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// CLI is the fdctl config file (~/.config/ferrumdeck/config.yaml).
// The API token is deliberately absent: it lives in the OS keyring,
// with FD_API_TOKEN as the escape hatch.
type CLI struct {
	APIURL string `yaml:"api_url"`
	Tenant string `yaml:"tenant,omitempty"`

	// Output selects the default rendering: "table" or "json".
	Output string `yaml:"output,omitempty"`
}

// CLIConfigPath returns the default config file location.
func CLIConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", &errors.FatalError{Op: "locate config dir", Cause: err}
	}
	return filepath.Join(dir, "ferrumdeck", "config.yaml"), nil
}

// LoadCLI reads the CLI config; a missing file yields defaults.
func LoadCLI(path string) (*CLI, error) {
	cfg := &CLI{APIURL: DefaultControlPlaneURL, Output: "table"}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, &errors.FatalError{Op: "read config", Cause: err}
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, &errors.ConfigError{Key: path, Reason: "invalid YAML", Cause: err}
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultControlPlaneURL
	}
	if cfg.Output == "" {
		cfg.Output = "table"
	}
	return cfg, nil
}

// SaveCLI writes the CLI config, creating the directory if needed.
func (c *CLI) SaveCLI(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return &errors.FatalError{Op: "create config dir", Cause: err}
	}
	raw, err := yaml.Marshal(c)
	if err != nil {
		return &errors.FatalError{Op: "encode config", Cause: err}
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return &errors.FatalError{Op: "write config", Cause: err}
	}
	return nil
}
