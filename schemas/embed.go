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

// Package schemas embeds the platform's JSON Schemas: the workflow
// definition format, the step envelope wire form, and the API error
// envelope. They back IDE tooling, fdctl validation, and contract tests.
package schemas

import (
	_ "embed"
)

//go:embed workflow.schema.json
var workflowSchema []byte

//go:embed envelope.schema.json
var envelopeSchema []byte

//go:embed error.schema.json
var errorSchema []byte

// Workflow returns the workflow definition schema as raw bytes.
func Workflow() []byte { return workflowSchema }

// Envelope returns the step envelope schema as raw bytes.
func Envelope() []byte { return envelopeSchema }

// Error returns the API error envelope schema as raw bytes.
func Error() []byte { return errorSchema }
