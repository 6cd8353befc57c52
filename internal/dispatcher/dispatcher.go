// Package dispatcher exposes the HTTP surface that tenants talk to:
// request validation, borrowing a warm VM from the pool, forwarding the
// payload to the in-guest agent, and shaping the response.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/sandboxvm/internal/apperr"
	"github.com/oriys/sandboxvm/internal/catalog"
	"github.com/oriys/sandboxvm/internal/config"
	"github.com/oriys/sandboxvm/internal/logging"
	"github.com/oriys/sandboxvm/internal/metrics"
	"github.com/oriys/sandboxvm/internal/microvm"
	"github.com/oriys/sandboxvm/internal/pool"
)

const defaultTimeoutSeconds = 30

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Timeout  *int64 `json:"timeout,omitempty"`
}

// ExecuteResponse is the body returned by POST /execute, and also the
// body of the guest agent's own response that this struct is forwarded
// from.
type ExecuteResponse struct {
	RequestID     string  `json:"request_id,omitempty"`
	Success       bool    `json:"success"`
	Output        *string `json:"output,omitempty"`
	Error         *string `json:"error,omitempty"`
	ExecutionTime float64 `json:"execution_time_s"`
}

// Handler serves the sandbox daemon's HTTP API.
type Handler struct {
	cfg       config.DispatcherConfig
	agentPort int
	pool      *pool.Pool
	vms       *microvm.Manager
}

// New constructs a Handler. agentPort is the guest agent's listening port
// (config.LaunchConfig.AgentPort), needed to build the forwarding URL for
// each borrowed VM.
func New(cfg config.DispatcherConfig, agentPort int, p *pool.Pool, vms *microvm.Manager) *Handler {
	return &Handler{cfg: cfg, agentPort: agentPort, pool: p, vms: vms}
}

// RegisterRoutes registers the dispatcher's routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /languages", h.Languages)
	mux.HandleFunc("POST /execute", h.Execute)
	mux.Handle("GET /metrics", metrics.Global().JSONHandler())
	mux.Handle("GET /metrics/prometheus", metrics.PrometheusHandler())
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ready, inUse, dead := h.pool.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "healthy",
		"time":           time.Now().Unix(),
		"uptime_seconds": int64(time.Since(metrics.StartTime()).Seconds()),
		"pool_ready":     ready,
		"pool_in_use":    inUse,
		"pool_dead":      dead,
	})
}

// Languages handles GET /languages.
func (h *Handler) Languages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"languages": catalog.Supported(),
	})
}

// Execute handles POST /execute: validate, borrow a VM, forward to the
// guest agent, release the VM, and shape the response. Validation and
// borrow failures are reported with a non-2xx status. Once a VM has been
// borrowed, every subsequent failure (guest unreachable, guest-reported
// execution error) is carried back as a 200 response with success=false,
// matching the external contract in the external-interfaces section —
// callers distinguish "the sandbox couldn't run your code" (still 200)
// from "your request was invalid or no capacity was available" (4xx/5xx).
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	start := time.Now()

	var req ExecuteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, h.cfg.MaxPayloadBytes)).Decode(&req); err != nil {
		h.writeError(w, requestID, start, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if strings.TrimSpace(req.Code) == "" {
		h.writeError(w, requestID, start, http.StatusBadRequest, "code cannot be empty")
		return
	}
	if !catalog.IsValid(req.Language) {
		h.writeError(w, requestID, start, http.StatusBadRequest, fmt.Sprintf("unsupported language: %s", req.Language))
		return
	}

	timeoutSeconds := int64(defaultTimeoutSeconds)
	if req.Timeout != nil && *req.Timeout > 0 {
		timeoutSeconds = *req.Timeout
	}

	borrowCtx := r.Context()
	borrowStart := time.Now()
	vm, err := h.pool.Borrow(borrowCtx)
	if err != nil {
		logging.Op().Warn("failed to borrow VM from pool", "request_id", requestID, "error", err)
		h.writeError(w, requestID, start, http.StatusServiceUnavailable, "No available VMs")
		return
	}
	borrowWaitMs := time.Since(borrowStart).Milliseconds()

	resp, execErr := h.executeInVM(r.Context(), vm, &req, requestID, timeoutSeconds)
	elapsed := time.Since(start)

	if execErr != nil && isVMUnhealthy(execErr) {
		h.pool.ReleaseBroken(context.Background(), vm)
	} else {
		h.pool.Release(context.Background(), vm)
	}

	if execErr != nil {
		logging.Op().Error("code execution failed", "request_id", requestID, "vm_id", vm.ID, "error", execErr)
		msg := execErr.Error()
		resp = &ExecuteResponse{
			RequestID:     requestID,
			Success:       false,
			Error:         &msg,
			ExecutionTime: elapsed.Seconds(),
		}
	} else {
		resp.RequestID = requestID
		resp.ExecutionTime = elapsed.Seconds()
	}

	metrics.Global().RecordExecution(req.Language, elapsed.Milliseconds(), resp.Success)
	logging.Default().Log(&logging.RequestLog{
		Timestamp:    time.Now(),
		RequestID:    requestID,
		Language:     req.Language,
		VMID:         vm.ID,
		DurationMs:   elapsed.Milliseconds(),
		BorrowWaitMs: borrowWaitMs,
		Success:      resp.Success,
		InputSize:    len(req.Code),
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// executeInVM forwards the request to the guest agent's /execute endpoint
// and parses its response. The client timeout is the caller's requested
// execution timeout plus a fixed grace period for guest transport and
// agent-side overhead on top of the guest's own enforcement of the
// timeout.
func (h *Handler) executeInVM(ctx context.Context, vm *microvm.VM, req *ExecuteRequest, requestID string, timeoutSeconds int64) (*ExecuteResponse, error) {
	agentURL := fmt.Sprintf("http://%s/execute", vm.AgentAddr(h.agentPort))

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.JSONErrorf("marshal execute request: %v", err)
	}

	clientTimeout := time.Duration(timeoutSeconds)*time.Second + h.cfg.AgentDialGrace
	httpClient := &http.Client{Timeout: clientTimeout}

	logging.Op().Debug("forwarding request to guest agent", "request_id", requestID, "agent_url", agentURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.NetworkErrorf("build guest request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.NetworkErrorf("agent unreachable for vm %s: %v", vm.ID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.NetworkErrorf("read agent response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.HTTPErrorf("agent returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ExecuteResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, apperr.JSONErrorf("parse agent response: %v", err)
	}
	return &result, nil
}

// isVMUnhealthy reports whether execErr indicates the VM itself is no
// longer trustworthy (transport failure, unreachable agent) as opposed to
// a well-formed execution error the guest reported on an otherwise
// healthy VM.
func isVMUnhealthy(err error) bool {
	return apperr.Is(err, apperr.ErrNetwork) || apperr.Is(err, apperr.ErrHTTP)
}

func (h *Handler) writeError(w http.ResponseWriter, requestID string, start time.Time, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ExecuteResponse{
		RequestID:     requestID,
		Success:       false,
		Error:         &msg,
		ExecutionTime: time.Since(start).Seconds(),
	})
}
