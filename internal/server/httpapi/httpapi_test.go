package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hostcrank/crank/internal/protocol"
	"github.com/hostcrank/crank/internal/server/allocator"
	"github.com/hostcrank/crank/internal/server/control"
	"github.com/hostcrank/crank/internal/server/eventbus/memory"
	"github.com/hostcrank/crank/internal/server/hypervisor"
)

type fakeInstance struct {
	pid  int
	done chan hypervisor.ExitResult
	once sync.Once
}

func (f *fakeInstance) Name() string                       { return "fake" }
func (f *fakeInstance) PID() int                           { return f.pid }
func (f *fakeInstance) Wait() <-chan hypervisor.ExitResult { return f.done }
func (f *fakeInstance) Cleanup(context.Context) error      { return nil }

func (f *fakeInstance) Shutdown() error {
	f.once.Do(func() {
		f.done <- hypervisor.ExitResult{Code: hypervisor.ExitPoweroff}
		close(f.done)
	})
	return nil
}

func (f *fakeInstance) Kill() error {
	f.once.Do(func() {
		f.done <- hypervisor.ExitResult{Code: 137}
		close(f.done)
	})
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches int
}

func (f *fakeLauncher) Launch(context.Context, hypervisor.LaunchSpec) (hypervisor.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	return &fakeInstance{pid: 9000 + f.launches, done: make(chan hypervisor.ExitResult, 1)}, nil
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := memory.New()
	manager, err := control.New(control.Params{
		ConfigDir: dir,
		Logger:    logger,
		Launcher:  &fakeLauncher{},
		Allocator: allocator.New(),
		Bus:       bus,
	})
	if err != nil {
		t.Fatalf("control.New: %v", err)
	}
	return New(manager, bus, logger), dir
}

func writeSpec(t *testing.T, dir, name string, port int) {
	t.Helper()
	content := fmt.Sprintf(`[guest]
name = %s
memory_mb = 1024
cpu_sockets = 1
cpu_cores = 2
cpu_threads = 1
storage_path = /vm/%s.img
uefi_vars_path = /vm/%s.vars
tap = tap_%s
bridge = bridge0
console_port = %d
shutdown_timeout = 100ms
`, name, name, name, name, port)
	if err := os.WriteFile(filepath.Join(dir, name+".ini"), []byte(content), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
}

func postCommand(t *testing.T, srv *Server, body []byte) (*httptest.ResponseRecorder, protocol.Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/command", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp protocol.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response (%s): %v", rec.Body.String(), err)
	}
	return rec, resp
}

func marshal(t *testing.T, req protocol.Request) []byte {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return data
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMalformedBodyIsProtocolError(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, resp := postCommand(t, srv, []byte(`{not json`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if resp.Error == nil || resp.Error.Kind != protocol.KindProtocolError {
		t.Fatalf("response = %+v, want protocol_error", resp)
	}
}

func TestUnknownCommandIsProtocolError(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, resp := postCommand(t, srv, []byte(`{"version":1,"command":"reboot","guest":"web01"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if resp.Error == nil || resp.Error.Kind != protocol.KindProtocolError {
		t.Fatalf("response = %+v, want protocol_error", resp)
	}
}

func TestStartUnknownGuestIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, resp := postCommand(t, srv, marshal(t, protocol.NewRequest(protocol.CommandStart, "ghost")))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if resp.Error == nil || resp.Error.Kind != protocol.KindNotFound {
		t.Fatalf("response = %+v, want not_found", resp)
	}
}

func TestStartAndStatusRoundTrip(t *testing.T) {
	srv, dir := newTestServer(t)
	writeSpec(t, dir, "web01", 5901)

	startReq := protocol.NewRequest(protocol.CommandStart, "web01")
	rec, resp := postCommand(t, srv, marshal(t, startReq))
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if resp.Status != protocol.StatusOK || resp.Guest == nil || resp.Guest.Phase != "running" {
		t.Fatalf("start response = %+v", resp)
	}
	if resp.ID != startReq.ID {
		t.Fatalf("response id = %q, want echo of %q", resp.ID, startReq.ID)
	}

	rec, resp = postCommand(t, srv, marshal(t, protocol.NewRequest(protocol.CommandStatus, "web01")))
	if rec.Code != http.StatusOK || resp.Guest == nil || resp.Guest.Phase != "running" {
		t.Fatalf("status response (code %d) = %+v", rec.Code, resp)
	}
}

func TestDuplicateStartIsConflict(t *testing.T) {
	srv, dir := newTestServer(t)
	writeSpec(t, dir, "web01", 5901)

	rec, _ := postCommand(t, srv, marshal(t, protocol.NewRequest(protocol.CommandStart, "web01")))
	if rec.Code != http.StatusOK {
		t.Fatalf("first start status = %d", rec.Code)
	}
	rec, resp := postCommand(t, srv, marshal(t, protocol.NewRequest(protocol.CommandStart, "web01")))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second start status = %d, want 409", rec.Code)
	}
	if resp.Error == nil || resp.Error.Kind != protocol.KindConflict {
		t.Fatalf("response = %+v, want conflict", resp)
	}
}

func TestListReturnsGuests(t *testing.T) {
	srv, dir := newTestServer(t)
	writeSpec(t, dir, "alpha", 5901)
	writeSpec(t, dir, "beta", 5902)

	rec, resp := postCommand(t, srv, marshal(t, protocol.NewRequest(protocol.CommandList, "")))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if len(resp.Guests) != 2 || resp.Guests[0].Name != "alpha" || resp.Guests[1].Name != "beta" {
		t.Fatalf("list response = %+v", resp)
	}
}

func TestVersionZeroIsAccepted(t *testing.T) {
	srv, dir := newTestServer(t)
	writeSpec(t, dir, "web01", 5901)

	rec, resp := postCommand(t, srv, []byte(`{"command":"status","guest":"web01"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if resp.Version != protocol.Version {
		t.Fatalf("response version = %d, want %d", resp.Version, protocol.Version)
	}
}
