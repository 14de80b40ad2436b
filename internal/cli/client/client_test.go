package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/hostcrank/crank/internal/protocol"
)

// serveUnix runs handler on a throwaway unix socket and returns its path.
func serveUnix(t *testing.T, handler http.Handler) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "crank.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &http.Server{Handler: handler}
	go server.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	return socket
}

func TestDoDecodesSuccess(t *testing.T) {
	socket := serveUnix(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := protocol.OK(req)
		resp.Guest = &protocol.GuestSnapshot{Name: req.Guest, Phase: "running", PID: 1234}
		_ = json.NewEncoder(w).Encode(resp)
	}))

	c := New(socket)
	snap, err := c.Start(context.Background(), "web01")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.Name != "web01" || snap.Phase != "running" || snap.PID != 1234 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestDoSurfacesAPIError(t *testing.T) {
	socket := serveUnix(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(protocol.Err(req, protocol.KindNotFound, "no spec file for ghost"))
	}))

	c := New(socket)
	_, err := c.Status(context.Background(), "ghost")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Kind != protocol.KindNotFound {
		t.Fatalf("kind = %s, want not_found", apiErr.Kind)
	}
}

func TestListReturnsGuests(t *testing.T) {
	socket := serveUnix(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Command != protocol.CommandList {
			t.Errorf("command = %s, want list", req.Command)
		}
		resp := protocol.OK(req)
		resp.Guests = []protocol.GuestSnapshot{
			{Name: "alpha", Phase: "stopped"},
			{Name: "beta", Phase: "running", PID: 99},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))

	c := New(socket)
	guests, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(guests) != 2 || guests[1].Name != "beta" {
		t.Fatalf("guests = %+v", guests)
	}
}

func TestUnreachableAgent(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.sock"))
	if _, err := c.List(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}
