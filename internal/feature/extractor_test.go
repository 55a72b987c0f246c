package feature

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"amas/internal/types"
)

var extractBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func extractInputs() (*types.UserState, *types.RawEvent, *types.UserStats) {
	state := types.DefaultUserState("u1")
	event := &types.RawEvent{
		WordID:             "w1",
		IsCorrect:          true,
		ResponseTimeMs:     3000,
		DwellTimeMs:        6000,
		PauseCount:         2,
		SwitchCount:        1,
		RetryCount:         1,
		FocusLossMs:        3000,
		InteractionDensity: 2.5,
		Timestamp:          extractBase,
	}
	stats := &types.UserStats{InteractionCount: 50, RecentAccuracy: 0.8, RecentAvgMs: 4000}
	return state, event, stats
}

func TestExtractShape(t *testing.T) {
	state, event, stats := extractInputs()
	v := Extract(state, event, stats, "sess1", extractBase)

	if v.Version != Version {
		t.Fatalf("version = %d, want %d", v.Version, Version)
	}
	if len(v.Values) != Dim {
		t.Fatalf("len(values) = %d, want %d", len(v.Values), Dim)
	}
	if len(v.Labels) != Dim {
		t.Fatalf("len(labels) = %d, want %d", len(v.Labels), Dim)
	}
	if v.NormMethod != NormMethod {
		t.Fatalf("norm method = %q", v.NormMethod)
	}
	if v.SessionID != "sess1" {
		t.Fatalf("session = %q", v.SessionID)
	}
	for i, val := range v.Values {
		if val < 0 || val > 1 {
			t.Fatalf("value %s out of [0,1]: %v", v.Labels[i], val)
		}
	}
}

func TestExtractDeterministic(t *testing.T) {
	state, event, stats := extractInputs()
	a := Extract(state, event, stats, "sess1", extractBase)
	b := Extract(state, event, stats, "sess1", extractBase)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("identical inputs produced different vectors:\n%s", diff)
	}
}

func TestExtractKnownValues(t *testing.T) {
	state, event, stats := extractInputs()
	v := Extract(state, event, stats, "", extractBase)

	byLabel := map[string]float64{}
	for i, l := range v.Labels {
		byLabel[l] = v.Values[i]
	}

	want := map[string]float64{
		"is_correct":          1.0,
		"response_time":       0.1,  // 3000 / 30000
		"dwell_time":          0.1,  // 6000 / 60000
		"pause_count":         0.2,  // 2 / 10
		"retry_count":         0.2,  // 1 / 5
		"interaction_density": 0.25, // 2.5 / 10
		"attention":           0.7,
		"recent_accuracy":     0.8,
		"interaction_count":   0.1, // 50 / 500
	}
	for label, expect := range want {
		if got := byLabel[label]; got != expect {
			t.Fatalf("%s = %v, want %v", label, got, expect)
		}
	}
}

func TestExtractClipsAtCaps(t *testing.T) {
	state, event, stats := extractInputs()
	event.ResponseTimeMs = 120000
	event.PauseCount = 40
	stats.InteractionCount = 5000
	v := Extract(state, event, stats, "", extractBase)

	byLabel := map[string]float64{}
	for i, l := range v.Labels {
		byLabel[l] = v.Values[i]
	}
	for _, label := range []string{"response_time", "pause_count", "interaction_count"} {
		if byLabel[label] != 1.0 {
			t.Fatalf("%s should clip to 1.0, got %v", label, byLabel[label])
		}
	}
}

func TestLabelsReturnsCopy(t *testing.T) {
	a := Labels()
	a[0] = "mutated"
	if b := Labels(); b[0] == "mutated" {
		t.Fatalf("Labels leaked the internal slice")
	}
}

func TestDimFor(t *testing.T) {
	if DimFor(Version) != Dim {
		t.Fatalf("current version dim mismatch")
	}
	if DimFor(1) != 8 {
		t.Fatalf("legacy dim mismatch")
	}
	if DimFor(99) != 0 {
		t.Fatalf("unknown version should have zero dim")
	}
}
