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
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	styleMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	styleBold  = lipgloss.NewStyle().Bold(true)
)

// isTTY reports whether stdout is a terminal; non-TTY output skips
// styling and interactive prompts.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func renderError(msg string) string {
	if !isTTY() {
		return "error: " + msg
	}
	return styleError.Render("✗") + " " + msg
}

func renderOK(msg string) string {
	if !isTTY() {
		return msg
	}
	return styleOK.Render("✓") + " " + msg
}

// renderStatus colours a run or step status for table output.
func renderStatus(status string) string {
	if !isTTY() {
		return status
	}
	switch status {
	case "completed":
		return styleOK.Render(status)
	case "failed", "budget_killed", "policy_blocked":
		return styleError.Render(status)
	case "waiting_approval":
		return styleWarn.Render(status)
	case "cancelled", "skipped":
		return styleMuted.Render(status)
	default:
		return status
	}
}

// printJSON renders v as indented JSON on stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows under a bold header with aligned columns.
func printTable(header []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	head := strings.Join(header, "\t")
	if isTTY() {
		head = styleBold.Render(head)
	}
	fmt.Fprintln(w, head)
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}
