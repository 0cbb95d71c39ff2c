package models

import (
	"testing"
	"time"
)

func TestAnalyticsValid(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	equal := &Analytics{PeriodStart: start, PeriodEnd: start}
	if !equal.Valid() {
		t.Error("expected equal start/end to be valid")
	}

	ordered := &Analytics{PeriodStart: start, PeriodEnd: start.Add(time.Hour)}
	if !ordered.Valid() {
		t.Error("expected start before end to be valid")
	}

	reversed := &Analytics{PeriodStart: start, PeriodEnd: start.Add(-time.Hour)}
	if reversed.Valid() {
		t.Error("expected end before start to be invalid")
	}
}
