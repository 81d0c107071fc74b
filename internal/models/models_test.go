package models

import (
	"testing"
)

func TestJSONBValueScan(t *testing.T) {
	original := JSONB{
		"speed_kmph": 1234.5,
		"prev_ip":    "10.0.0.1",
		"flagged":    true,
	}

	value, err := original.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var scanned JSONB
	if err := scanned.Scan(value); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if scanned["prev_ip"] != "10.0.0.1" {
		t.Errorf("prev_ip = %v", scanned["prev_ip"])
	}
	if scanned["flagged"] != true {
		t.Errorf("flagged = %v", scanned["flagged"])
	}
	if scanned["speed_kmph"] != 1234.5 {
		t.Errorf("speed_kmph = %v", scanned["speed_kmph"])
	}
}

func TestJSONBNil(t *testing.T) {
	var j JSONB
	value, err := j.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if value != nil {
		t.Errorf("expected nil driver value, got %v", value)
	}

	scanned := JSONB{"existing": 1}
	if err := scanned.Scan(nil); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if scanned != nil {
		t.Errorf("expected nil after scanning NULL, got %v", scanned)
	}
}

func TestJSONBScanRejectsNonBytes(t *testing.T) {
	var j JSONB
	if err := j.Scan(42); err == nil {
		t.Fatal("expected error scanning non-bytes value")
	}
}

func TestFeatureRowValues(t *testing.T) {
	row := FeatureRow{
		UserID:            9,
		LoginSuccessCount: 12,
		LoginFailedCount:  3,
		TotalEvents:       40,
		UniqueIPs24h:      2,
		AfterHoursCount:   5,
		LastLoginHour:     22,
	}

	values := row.Values()

	// Every canonical column must be present so schemaless models always
	// get a complete vector.
	for _, name := range FeatureNames {
		if _, ok := values[name]; !ok {
			t.Errorf("missing canonical column %q", name)
		}
	}
	if len(values) != len(FeatureNames) {
		t.Errorf("got %d columns, want %d", len(values), len(FeatureNames))
	}

	if values["login_failed_count"] != 3 {
		t.Errorf("login_failed_count = %v", values["login_failed_count"])
	}
	if values["last_login_hour"] != 22 {
		t.Errorf("last_login_hour = %v", values["last_login_hour"])
	}
}

func TestFeatureRowZeroValues(t *testing.T) {
	values := FeatureRow{UserID: 1}.Values()
	for _, name := range FeatureNames {
		if values[name] != 0 {
			t.Errorf("column %q = %v, want 0", name, values[name])
		}
	}
}
