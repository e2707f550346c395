// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "errors"

// Sentinel errors shared across the pipeline engine. Callers classify
// failures with errors.Is; HTTP transports typically map Config,
// Contract, and SecurityAbuse to 4xx and the rest to 5xx.
var (
	// ErrConfig marks load/validate-time configuration failures:
	// broken YAML, missing entry step, unknown action, dangling step
	// reference, disallowed extends path.
	ErrConfig = errors.New("pipeline configuration error")

	// ErrContract marks an invalid or missing step parameter detected
	// at action entry.
	ErrContract = errors.New("pipeline contract violation")

	// ErrBudgetMisconfig is raised when freshly retrieved texts alone
	// cannot fit max_context_tokens. There is no run-time recovery; the
	// pipeline's budget settings are wrong.
	ErrBudgetMisconfig = errors.New("PIPELINE_BUDGET_MISCONFIG")

	// ErrInboxNotEmpty is raised at RUN_END when messages remain in the
	// inbox and RAG_PIPELINE_INBOX_FAIL_FAST=1.
	ErrInboxNotEmpty = errors.New("PIPELINE_INBOX_NOT_EMPTY")

	// ErrSecurityAbuse marks snapshot-scope violations: a snapshot id
	// outside its snapshot set, or seeds spanning mismatched snapshots.
	ErrSecurityAbuse = errors.New("security abuse")
)
