/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2025 OCapN Authors. All Rights Reserved.
 */

package suite

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/ocapn/ocapn-test-suite-go/captp"
)

func TestAllScenarioNamesUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, s := range All() {
		if s.Name == "" || s.Run == nil {
			t.Fatalf("incomplete scenario %+v", s)
		}
		if seen[s.Name] {
			t.Fatalf("duplicate scenario name %q", s.Name)
		}
		seen[s.Name] = true
	}
	if len(seen) == 0 {
		t.Fatal("no scenarios registered")
	}
}

func TestRetryable(t *testing.T) {
	if !retryable(captp.ErrTimeout) {
		t.Fatal("timeouts must be retryable")
	}
	if !retryable(errors.Wrap(captp.ErrConnectionClosed, "dial")) {
		t.Fatal("wrapped transport failures must be retryable")
	}
	if retryable(captp.ErrBadLocationSignature) {
		t.Fatal("protocol deviations must not be retried")
	}
	if retryable(nil) {
		t.Fatal("nil is not retryable")
	}
}
