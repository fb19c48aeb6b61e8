package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), &out, io.Discard, []string{"version"}); err != nil {
		t.Fatalf("run(version) error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "direct4me-bridge ") {
		t.Errorf("version output = %q", out.String())
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output missing go_version: %q", out.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), &out, io.Discard, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run(-o json version) error: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version JSON: %v\n%s", err, out.String())
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("version JSON = %v", info)
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(t.Context(), &out, io.Discard, args); err != nil {
			t.Fatalf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: direct4me") {
			t.Errorf("run(%v) output = %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-verbose"}, "unknown flag"},
		{"bad output format", []string{"-o", "xml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "check"}, "config file not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(t.Context(), io.Discard, io.Discard, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want %q", tt.args, err, tt.want)
			}
		})
	}
}

// vendorServer fakes the three Direct4.me endpoints the bridge uses.
// Every token is rejected by the probe so a stored token forces a
// fresh login and the login counter reflects store behavior.
type vendorServer struct {
	srv    *httptest.Server
	logins atomic.Int32
	probes atomic.Int32
}

func newVendorServer(t *testing.T) *vendorServer {
	t.Helper()
	v := &vendorServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /main/v1/signin/token", func(w http.ResponseWriter, r *http.Request) {
		v.probes.Add(1)
		if r.Header.Get("Authorization") == "Bearer cli-token" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("POST /MobileApp/v3/api/user/SignOn", func(w http.ResponseWriter, r *http.Request) {
		v.logins.Add(1)
		io.WriteString(w, `{"Result":0,"Data":"cli-token"}`)
	})
	mux.HandleFunc("GET /MobileApp/v3/api/delivery/GetDeliveries", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer cli-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"Result":0,"Data":[
			{"FlagPackageHandled":false,"Date":"2024-01-01T10:00:00","BoxName":"A12","CompanyName":"Acme Post"},
			{"FlagPackageHandled":true,"Date":"2024-01-02T11:30:00","BoxName":"B3","CompanyName":"Parcel Co"}
		]}`)
	})

	v.srv = httptest.NewServer(mux)
	t.Cleanup(v.srv.Close)
	return v
}

// writeConfig writes a config.yaml pointing at the fake vendor and
// returns its path.
func writeConfig(t *testing.T, v *vendorServer) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`direct4me:
  username: user@example.com
  password: hunter2
  api_url: %[1]s/MobileApp/v3/api
  main_url: %[1]s/main/v1
data_dir: %[2]s
log_level: warn
`, v.srv.URL, filepath.Join(dir, "db"))

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_CheckText(t *testing.T) {
	v := newVendorServer(t)
	cfgPath := writeConfig(t, v)

	var out bytes.Buffer
	if err := run(t.Context(), &out, io.Discard, []string{"-config", cfgPath, "check"}); err != nil {
		t.Fatalf("run(check) error: %v", err)
	}

	got := out.String()
	for _, want := range []string{"Direct4me Upcoming Packages", "Direct4me Delivery Logs", "A12", "Acme Post"} {
		if !strings.Contains(got, want) {
			t.Errorf("check output missing %q:\n%s", want, got)
		}
	}
	if v.logins.Load() != 1 {
		t.Errorf("logins = %d, want 1", v.logins.Load())
	}
}

func TestRun_CheckJSON(t *testing.T) {
	v := newVendorServer(t)
	cfgPath := writeConfig(t, v)

	var out bytes.Buffer
	if err := run(t.Context(), &out, io.Discard, []string{"-config=" + cfgPath, "-o", "json", "-no-store", "check"}); err != nil {
		t.Fatalf("run(check) error: %v", err)
	}

	var sensors []checkOutput
	if err := json.Unmarshal(out.Bytes(), &sensors); err != nil {
		t.Fatalf("check JSON: %v\n%s", err, out.String())
	}
	if len(sensors) != 4 {
		t.Fatalf("len(sensors) = %d, want 4", len(sensors))
	}

	states := make(map[string]int)
	for _, s := range sensors {
		states[s.EntityID] = s.State
	}
	want := map[string]int{
		"sensor.direct4me_upcoming_packages": 1,
		"sensor.direct4me_received_packages": 1,
		"sensor.direct4me_todays_arrivals":   0,
		"sensor.direct4me_delivery_logs":     2,
	}
	for id, n := range want {
		if states[id] != n {
			t.Errorf("%s = %d, want %d", id, states[id], n)
		}
	}
}

func TestRun_CheckNoStoreLeavesNoState(t *testing.T) {
	v := newVendorServer(t)
	cfgPath := writeConfig(t, v)

	if err := run(t.Context(), io.Discard, io.Discard, []string{"-config", cfgPath, "-no-store", "check"}); err != nil {
		t.Fatalf("run(check) error: %v", err)
	}
	dbPath := filepath.Join(filepath.Dir(cfgPath), "db", stateFile)
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Errorf("state database exists after -no-store check (stat err = %v)", err)
	}
}

func TestRun_StoredTokenReusedUntilLogout(t *testing.T) {
	v := newVendorServer(t)
	cfgPath := writeConfig(t, v)
	check := []string{"-config", cfgPath, "check"}

	if err := run(t.Context(), io.Discard, io.Discard, check); err != nil {
		t.Fatalf("first check: %v", err)
	}
	if err := run(t.Context(), io.Discard, io.Discard, check); err != nil {
		t.Fatalf("second check: %v", err)
	}
	if v.logins.Load() != 1 {
		t.Fatalf("logins after two checks = %d, want 1 (stored token reused)", v.logins.Load())
	}

	var out bytes.Buffer
	if err := run(t.Context(), &out, io.Discard, []string{"-config", cfgPath, "logout"}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if !strings.Contains(out.String(), "session token removed") {
		t.Errorf("logout output = %q", out.String())
	}

	if err := run(t.Context(), io.Discard, io.Discard, check); err != nil {
		t.Fatalf("check after logout: %v", err)
	}
	if v.logins.Load() != 2 {
		t.Errorf("logins after logout = %d, want 2", v.logins.Load())
	}
}

func TestRun_CheckInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("direct4me:\n  update_interval: soon\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	err := run(t.Context(), io.Discard, io.Discard, []string{"-config", path, "check"})
	if err == nil {
		t.Fatal("check with invalid config should fail")
	}
	for _, want := range []string{"invalid config", "username is required", "update_interval"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestVendorWatch_ProbesAtPollInterval(t *testing.T) {
	probe := func(context.Context) error { return nil }
	for _, interval := range []time.Duration{time.Hour, 90 * time.Second} {
		cfg := vendorWatch(probe, interval)
		if cfg.Name != "direct4me" || cfg.Probe == nil {
			t.Errorf("vendorWatch() = %+v", cfg)
		}
		if cfg.Backoff.PollInterval != interval {
			t.Errorf("PollInterval = %v, want %v", cfg.Backoff.PollInterval, interval)
		}
	}
}
