package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestPoolStats_JSONShape(t *testing.T) {
	stats := &PoolStats{TotalConns: 4, IdleConns: 3, AcquiredConns: 1, MaxConns: 20, AcquireCount: 9, AcquireDuration: "2ms", Healthy: true}

	b, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_count", "acquire_duration", "healthy"} {
		if _, ok := m[k]; !ok {
			t.Errorf("missing key %q", k)
		}
	}
}

type fakeInspector struct {
	statuses []MigrationStatus
	err      error
	schema   string
}

func (f *fakeInspector) Inspect(_ context.Context, schema string) ([]MigrationStatus, error) {
	f.schema = schema
	return f.statuses, f.err
}

func TestHealthReport(t *testing.T) {
	ok := func(context.Context) error { return nil }
	now := time.Now()

	tests := []struct {
		name       string
		ping       func(context.Context) error
		inspector  MigrationInspector
		wantCode   int
		wantStatus string
	}{
		{"unreachable", func(context.Context) error { return errors.New("refused") }, nil, http.StatusServiceUnavailable, "unhealthy"},
		{"no inspector", ok, nil, http.StatusOK, "healthy"},
		{"fully migrated", ok, &fakeInspector{statuses: []MigrationStatus{
			{Version: 1, Applied: true, AppliedAt: &now}, {Version: 2, Applied: true, AppliedAt: &now},
		}}, http.StatusOK, "healthy"},
		{"pending migration", ok, &fakeInspector{statuses: []MigrationStatus{
			{Version: 1, Applied: true, AppliedAt: &now}, {Version: 2},
		}}, http.StatusOK, "degraded"},
		{"inspect error", ok, &fakeInspector{err: errors.New("permission denied")}, http.StatusOK, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := healthReport(context.Background(), tt.ping, &PoolStats{Healthy: true}, "camp1", tt.inspector)
			if code != tt.wantCode || body["status"] != tt.wantStatus {
				t.Errorf("got %d %v, want %d %s", code, body["status"], tt.wantCode, tt.wantStatus)
			}
		})
	}
}

func TestCheckSchema(t *testing.T) {
	now := time.Now()
	insp := &fakeInspector{statuses: []MigrationStatus{
		{Version: 1, Applied: true, AppliedAt: &now},
		{Version: 2, Applied: true, AppliedAt: &now},
		{Version: 3},
	}}
	h := checkSchema(context.Background(), "camp1", insp)
	if insp.schema != "clinic_camp1" {
		t.Errorf("inspected schema %q, want clinic_camp1", insp.schema)
	}
	if h.CurrentVersion != 2 || h.Applied != 2 || h.Pending != 1 || h.Error != "" {
		t.Errorf("unexpected schema health: %+v", h)
	}
}
