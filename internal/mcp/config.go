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

// Package mcp connects the worker to MCP (Model Context Protocol) servers
// and exposes their tools through the shared tool registry, namespaced as
// "<server>.<tool>". The server list lives in a YAML file the worker
// watches for hot-reload.
package mcp

import (
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// serverNameRE restricts server names so namespaced tool names stay within
// the tool-name charset. No dots: the dot separates server from tool.
var serverNameRE = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// ServerConfig describes one MCP server. Exactly one of Command (stdio
// transport) or URL (streamable HTTP transport) must be set.
type ServerConfig struct {
	// Name namespaces the server's tools.
	Name string `yaml:"name"`

	// Command launches a stdio server (with Args and Env).
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// URL points at a streamable HTTP server.
	URL string `yaml:"url,omitempty"`
}

// Config is the worker's MCP server list.
type Config struct {
	Servers []ServerConfig `yaml:"servers"`
}

// LoadConfig reads and validates the YAML server list at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Key: "mcp config", Reason: "read " + path, Cause: err}
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a YAML server list.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &errors.ConfigError{Key: "mcp config", Reason: "invalid YAML", Cause: err}
	}
	seen := make(map[string]bool, len(cfg.Servers))
	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		switch {
		case !serverNameRE.MatchString(s.Name):
			return nil, &errors.ValidationError{
				Field:      "servers[" + s.Name + "].name",
				Message:    "invalid server name",
				Suggestion: "server names may use letters, digits, underscore, and hyphen",
			}
		case seen[s.Name]:
			return nil, &errors.ValidationError{Field: "servers." + s.Name, Message: "duplicate server name"}
		case s.Command == "" && s.URL == "":
			return nil, &errors.ValidationError{Field: "servers." + s.Name, Message: "either command or url is required"}
		case s.Command != "" && s.URL != "":
			return nil, &errors.ValidationError{Field: "servers." + s.Name, Message: "command and url are mutually exclusive"}
		}
		seen[s.Name] = true
	}
	return &cfg, nil
}
