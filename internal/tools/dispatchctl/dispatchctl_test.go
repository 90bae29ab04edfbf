package dispatchctl

import (
	"bytes"
	"context"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseConfigRequiresCommand(t *testing.T) {
	tests := [][]string{
		nil,
		{"status"},
		{"audit", ""},
		{"sweep", "extra"},
		{"explode"},
	}
	for _, args := range tests {
		fs := flag.NewFlagSet("dispatchctl", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		if _, err := ParseConfig(fs, args); err == nil {
			t.Fatalf("args %v: expected error", args)
		}
	}
}

func TestParseConfigReadsEnvAndFlags(t *testing.T) {
	t.Setenv("DISPATCH_CTL_ADDR", "http://dispatch:8095")
	fs := flag.NewFlagSet("dispatchctl", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, []string{"-json", "status", "req-1"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Addr != "http://dispatch:8095" || cfg.Command != "status" || cfg.RequestID != "req-1" || !cfg.JSONOutput {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Timeout <= 0 {
		t.Fatalf("timeout = %v", cfg.Timeout)
	}
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/requests/req-1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"request":{"id":"req-1","category":"plumbing","terms":"100","status":"awaiting_decision"},
"candidates":[{"counterparty_id":"cp-a","eligible":true,"score":0.81,"rank":1},{"counterparty_id":"cp-z","eligible":false,"reason":"category_mismatch"}],
"routings":[{"counterparty_id":"cp-a","attempt":1,"deadline_at":"2026-04-03T09:00:00Z"}]}`)
	})
	mux.HandleFunc("GET /v1/requests/req-1/audit", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"entries":[{"actor":"requester-1","action":"request.created","created_at":"2026-04-01T09:00:00Z"},
{"actor":"system","action":"request.transitioned","label":"awaiting_decision→approved(auto)","created_at":"2026-04-03T09:00:00Z"}]}`)
	})
	mux.HandleFunc("POST /v1/sla/sweep", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"reminders":2,"auto_approved":1,"expired":0,"rerouted":0,"skipped":0}`)
	})
	mux.HandleFunc("GET /v1/requests/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":"NOT_FOUND","message":"request not found"}}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func run(t *testing.T, server *httptest.Server, cfg Config) (string, error) {
	t.Helper()
	cfg.Addr = server.URL
	cfg.NoColor = true
	var out bytes.Buffer
	err := Run(context.Background(), cfg, server.Client(), &out)
	return out.String(), err
}

func TestRunStatusPrintsCandidatesAndRoutings(t *testing.T) {
	server := newServer(t)
	out, err := run(t, server, Config{Command: "status", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"req-1", "awaiting_decision", "cp-a", "category_mismatch", "active"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunAuditPrintsLabels(t *testing.T) {
	server := newServer(t)
	out, err := run(t, server, Config{Command: "audit", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "awaiting_decision→approved(auto)") || !strings.Contains(out, "request.created") {
		t.Fatalf("output = %s", out)
	}
}

func TestRunSweepJSON(t *testing.T) {
	server := newServer(t)
	out, err := run(t, server, Config{Command: "sweep", JSONOutput: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out, `{"reminders":2`) {
		t.Fatalf("output = %s", out)
	}
}

func TestRunSurfacesAPIError(t *testing.T) {
	server := newServer(t)
	_, err := run(t, server, Config{Command: "status", RequestID: "missing"})
	if err == nil || !strings.Contains(err.Error(), "NOT_FOUND") {
		t.Fatalf("err = %v", err)
	}
}
