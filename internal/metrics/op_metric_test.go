// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

package metrics

import (
	"testing"

	"github.com/ltfsdm/ltfsdmd/internal/core"
)

func TestOpMetricCountsOutcomes(t *testing.T) {
	m := NewOpMetric("ltfsdm_test_op_metric", "operation")

	meas := m.Start("migration")
	meas.End()

	meas = m.Start("migration")
	meas.Failed()
	meas.End()

	meas = m.Start("migration")
	meas.TooBusy()
	meas.End()

	if got := m.Count("failed", "migration"); got != 1 {
		t.Fatalf("expected 1 failed, got %d", got)
	}
	if got := m.Count("too_busy", "migration"); got != 1 {
		t.Fatalf("expected 1 too_busy, got %d", got)
	}
	if got := m.Count("all", "migration"); got != 3 {
		t.Fatalf("expected 3 starts, got %d", got)
	}
}

func TestEndWithCoreErrorMarksFailedOnlyOnError(t *testing.T) {
	m := NewOpMetric("ltfsdm_test_op_metric_core_error", "operation")

	meas := m.Start("recall")
	meas.EndWithCoreError(nil)
	if got := m.Count("failed", "recall"); got != 0 {
		t.Fatalf("expected no failures for a nil error, got %d", got)
	}

	meas = m.Start("recall")
	meas.EndWithCoreError(core.ErrTapeNotExists)
	if got := m.Count("failed", "recall"); got != 1 {
		t.Fatalf("expected 1 failure, got %d", got)
	}
}
