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

// fdctl is the FerrumDeck operator CLI: registering workflows, starting
// and inspecting runs, and resolving approvals against a running ferrumd.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	fderrors "github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/sdk"
)

var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
	exitSignal = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	err := root.ExecuteContext(ctx)
	stop()
	if err == nil {
		os.Exit(exitOK)
	}
	fmt.Fprintln(os.Stderr, renderError(err.Error()))
	os.Exit(exitCode(ctx, err))
}

func exitCode(ctx context.Context, err error) int {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return exitSignal
	}
	var cfgErr *fderrors.ConfigError
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) && apiErr.Code == "validation_error" {
		return exitConfig
	}
	return exitError
}
