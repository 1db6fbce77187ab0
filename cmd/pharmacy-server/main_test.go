package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/pharmacy/internal/config"
	"github.com/clinic/pharmacy/internal/domain/stock"
)

func newMemoryApp(t *testing.T) *app {
	t.Helper()
	cfg := &config.Config{
		Env:               "development",
		StorageDriver:     config.StorageMemory,
		DefaultClinic:     "default",
		LowStockThreshold: 10,
		ExpiryWarningDays: 30,
		ReportInterval:    time.Hour,
		SessionIdle:       time.Hour,
	}
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func serve(e http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	e := newMemoryApp(t).router()

	rec := serve(e, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"storage":"memory"`) {
		t.Errorf("health: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}

	rec = serve(e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "http_request_total") {
		t.Errorf("metrics: %d", rec.Code)
	}
}

func TestRouter_DispensationFlow(t *testing.T) {
	a := newMemoryApp(t)
	e := a.router()
	_, err := a.stock.ImportBulk(context.Background(), []stock.ImportRow{
		{Generic: "Paracetamol", Brand: "Panadol", Quantity: "10"},
		{Generic: "Paracetamol", Brand: "Panadol", Quantity: "5"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	rec := serve(e, http.MethodPost, "/api/v1/visits", `{"patient_id":"17","medicines":"Paracetamol [Panadol] (TDS, After meals, 10)"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create visit: %d %s", rec.Code, rec.Body.String())
	}
	var v struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &v)

	rec = serve(e, http.MethodPost, "/api/v1/visits/"+v.ID+"/dispensations", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session: %d %s", rec.Code, rec.Body.String())
	}
	var s struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &s)

	if rec := serve(e, http.MethodPut, "/api/v1/dispensations/"+s.ID+"/lines/0/quantity", `{"quantity":4}`); rec.Code != http.StatusOK {
		t.Fatalf("set quantity: %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve(e, http.MethodPost, "/api/v1/dispensations/"+s.ID+"/commit", ""); rec.Code != http.StatusOK {
		t.Fatalf("commit: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(e, http.MethodGet, "/api/v1/visits/"+v.ID, "")
	if !strings.Contains(rec.Body.String(), `"dispensed":"Yes"`) ||
		!strings.Contains(rec.Body.String(), "Paracetamol — Panadol => 4 (remaining 11)") {
		t.Errorf("visit not updated: %s", rec.Body.String())
	}

	rec = serve(e, http.MethodGet, "/api/v1/stock/lookup?key=paracetamol%7C%7Cpanadol", "")
	if !strings.Contains(rec.Body.String(), `"quantity_on_hand":11`) {
		t.Errorf("stock not decremented: %s", rec.Body.String())
	}

	rec = serve(e, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), "pharmacy_units_dispensed_total 4") {
		t.Errorf("dispensed units not exported")
	}
}

func TestApp_Scheduler(t *testing.T) {
	a := newMemoryApp(t)
	s, err := a.scheduler()
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	if s.Jobs() != 2 {
		t.Errorf("expected advisory and sweep jobs, got %d", s.Jobs())
	}

	a.cfg.ReportInterval = 0
	a.cfg.SessionIdle = 0
	s, _ = a.scheduler()
	if s.Jobs() != 0 {
		t.Errorf("expected no jobs when disabled, got %d", s.Jobs())
	}
	if a.clinicScope() != nil {
		t.Error("memory storage should not scope jobs to a schema")
	}
}

func TestMigrationSource_Embedded(t *testing.T) {
	names, err := fs.Glob(migrationSource(""), "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(names) < 2 {
		t.Errorf("expected embedded migrations, got %v", names)
	}
}

func TestSchemaFor(t *testing.T) {
	cfg := &config.Config{DefaultClinic: "main"}
	tests := []struct {
		args []string
		want string
	}{
		{nil, "clinic_main"},
		{[]string{"--clinic", "camp_b"}, "clinic_camp_b"},
		{[]string{"--schema", "custom", "--clinic", "camp_b"}, "custom"},
	}
	for _, tt := range tests {
		cmd := &cobra.Command{}
		addSchemaFlags(cmd)
		if err := cmd.Flags().Parse(tt.args); err != nil {
			t.Fatalf("parse %v: %v", tt.args, err)
		}
		if got := schemaFor(cmd, cfg); got != tt.want {
			t.Errorf("schemaFor(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestPrintStock(t *testing.T) {
	exp := time.Date(2027, 3, 31, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	printStock(cmd, []*stock.StockItem{
		{Key: "paracetamol||panadol", Generic: "Paracetamol", Brand: "Panadol", QuantityOnHand: 12, Expiry: &exp},
	})
	out := buf.String()
	if !strings.Contains(out, "paracetamol||panadol") || !strings.Contains(out, "2027-03-31") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	want := map[string]bool{"serve": false, "migrate": false, "clinic": false, "stock": false}
	for _, c := range rootCmd().Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing %q command", name)
		}
	}
}

func TestStockImportCmd_Flags(t *testing.T) {
	cmd, _, err := rootCmd().Find([]string{"stock", "import"})
	if err != nil {
		t.Fatalf("find stock import: %v", err)
	}
	for _, name := range []string{"file", "encoding", "dry-run", "replace"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("stock import is missing --%s", name)
		}
	}
}
