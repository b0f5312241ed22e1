package telemetry

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewSnapshot_OverallIsWorstComponent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := NewSnapshot("orbitd", []ComponentStatus{
		{Name: "bus", Status: StatusOK},
		{Name: "store", Status: StatusDegraded},
	}, now)

	if snap.Overall != StatusDegraded {
		t.Fatalf("expected overall degraded, got %s", snap.Overall)
	}
	if snap.Components[0].Name != "bus" || snap.Components[1].Name != "store" {
		t.Fatalf("expected components sorted by name, got %+v", snap.Components)
	}
}

func TestNewSnapshot_NoComponentsIsUnknown(t *testing.T) {
	snap := NewSnapshot("orbitd", nil, time.Now())
	if snap.Overall != StatusUnknown {
		t.Fatalf("expected unknown overall with no components, got %s", snap.Overall)
	}
}

func TestNewSnapshot_DuplicateNamesCollapseToFirst(t *testing.T) {
	snap := NewSnapshot("orbitd", []ComponentStatus{
		{Name: "store", Status: StatusOK, Message: "first"},
		{Name: "Store", Status: StatusFatal, Message: "second"},
	}, time.Now())

	if len(snap.Components) != 1 {
		t.Fatalf("expected duplicate (case-insensitive) names to collapse, got %+v", snap.Components)
	}
	if snap.Components[0].Message != "first" {
		t.Fatalf("expected first occurrence to win, got %+v", snap.Components[0])
	}
}

func TestSnapshot_Validate(t *testing.T) {
	snap := NewSnapshot("orbitd", []ComponentStatus{{Name: "store", Status: StatusOK}}, time.Now())
	if err := snap.Validate(); err != nil {
		t.Fatalf("expected valid snapshot, got %v", err)
	}

	empty := Snapshot{}
	if err := empty.Validate(); err == nil {
		t.Fatal("expected missing service to fail validation")
	}
}

func TestComponentStatus_MarshalJSON_SortsDetailKeys(t *testing.T) {
	c := ComponentStatus{
		Name:   "store",
		Status: StatusOK,
		Details: map[string]string{
			"z": "last",
			"a": "first",
		},
	}
	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	idxA := indexOf(string(raw), `"a":`)
	idxZ := indexOf(string(raw), `"z":`)
	if idxA == -1 || idxZ == -1 || idxA > idxZ {
		t.Fatalf("expected detail keys sorted a before z, got %s", raw)
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
