package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/oriys/sandboxvm/internal/config"
	"github.com/oriys/sandboxvm/internal/microvm"
	"github.com/oriys/sandboxvm/internal/network"
	"github.com/oriys/sandboxvm/internal/pool"
)

// newTestHandler wires a Handler against a pool pre-seeded with a single
// fake VM whose "guest agent" is agentSrv, so tests can exercise the HTTP
// surface without a real hypervisor or guest.
func newTestHandler(t *testing.T, agentSrv *httptest.Server) (*Handler, *pool.Pool) {
	t.Helper()

	u, err := url.Parse(agentSrv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}

	netCfg := config.DefaultConfig().Network
	netCfg.Subnet = "10.203.0.0/24"
	netMgr, err := network.NewManager(netCfg, 1)
	if err != nil {
		t.Fatalf("network.NewManager: %v", err)
	}
	launchCfg := config.DefaultConfig().Launch
	launchCfg.AgentPort = port // the pool's reset liveness probe must dial the same fake agent Execute forwards to
	vmMgr := microvm.NewManager(launchCfg, netMgr)

	poolCfg := config.PoolConfig{Size: 1, BorrowTimeout: 200 * time.Millisecond}
	vm := &microvm.VM{ID: "vm-test", State: microvm.StateReady, GuestIP: u.Hostname()}
	p := pool.NewSeeded(poolCfg, vmMgr, []*microvm.VM{vm})

	dispCfg := config.DefaultConfig().Dispatcher
	dispCfg.AgentDialGrace = time.Second
	dispCfg.MaxPayloadBytes = 1 << 20

	h := New(dispCfg, port, p, vmMgr)
	return h, p
}

func TestHealth(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer agent.Close()
	h, _ := newTestHandler(t, agent)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("unexpected status: %v", body["status"])
	}
}

func TestLanguages(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer agent.Close()
	h, _ := newTestHandler(t, agent)

	req := httptest.NewRequest(http.MethodGet, "/languages", nil)
	rec := httptest.NewRecorder()
	h.Languages(rec, req)

	var body struct {
		Languages []string `json:"languages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Languages) != 3 {
		t.Fatalf("expected 3 languages, got %v", body.Languages)
	}
}

func TestExecute_RejectsEmptyCode(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer agent.Close()
	h, _ := newTestHandler(t, agent)

	payload, _ := json.Marshal(ExecuteRequest{Language: "python", Code: "   "})
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.Execute(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestExecute_RejectsUnsupportedLanguage(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer agent.Close()
	h, _ := newTestHandler(t, agent)

	payload, _ := json.Marshal(ExecuteRequest{Language: "cobol", Code: "print"})
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.Execute(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestExecute_SuccessRoundTrip(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got ExecuteRequest
		json.NewDecoder(r.Body).Decode(&got)
		output := "hello\n"
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ExecuteResponse{Success: true, Output: &output})
	}))
	defer agent.Close()
	h, p := newTestHandler(t, agent)

	payload, _ := json.Marshal(ExecuteRequest{Language: "python", Code: "print('hello')"})
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.Execute(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ExecuteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Output == nil || *resp.Output != "hello\n" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	ready, inUse, _ := p.Stats()
	if ready != 1 || inUse != 0 {
		t.Fatalf("expected VM returned to pool, got ready=%d inUse=%d", ready, inUse)
	}
}

func TestExecute_AgentUnreachableReturns200WithFailure(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h, _ := newTestHandler(t, agent)
	agent.Close() // agent is gone by the time Execute runs

	payload, _ := json.Marshal(ExecuteRequest{Language: "python", Code: "print('hi')"})
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.Execute(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 even on guest transport failure, got %d", rec.Code)
	}
	var resp ExecuteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Success {
		t.Fatalf("expected success=false when the guest agent is unreachable")
	}
}

func TestExecute_NoVMAvailableReturns503(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer agent.Close()
	h, p := newTestHandler(t, agent)

	// Drain the pool's only VM.
	vm, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	defer p.Release(context.Background(), vm)

	payload, _ := json.Marshal(ExecuteRequest{Language: "python", Code: "print('hi')"})
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.Execute(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when pool is exhausted, got %d", rec.Code)
	}
}
