// Package webhook implements the signed GitHub webhook ingress described
// in spec.md §4.4, ported from
// original_source/orchestrator/github_webhook.py.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/agentpr/orchestrator/internal/model"
)

// Applier is the coordinator surface the ingress needs to submit resolved
// events.
type Applier interface {
	Apply(ctx context.Context, runID string, eventType model.EventType, payload map[string]any, idempotencyKey string) (model.ApplyResult, error)
}

// RunLookup resolves a (owner, repo, pr_number) triple to the run it
// belongs to.
type RunLookup interface {
	GetLatestRunSnapshotByRepoAndPRNumber(ctx context.Context, owner, repo string, prNumber int64) (model.RunSnapshot, bool, error)
}

// DeliveryStore reserves and releases webhook deliveries for replay
// defense.
type DeliveryStore interface {
	ReserveWebhookDelivery(ctx context.Context, source, deliveryID, eventType, payloadSHA256 string) (bool, error)
	DeleteWebhookDelivery(ctx context.Context, source, deliveryID string) error
}

// AuditSink appends a JSON-line audit record for every processed delivery.
type AuditSink interface {
	Append(record map[string]any) error
}

// Config configures Server's ingress behavior.
type Config struct {
	Path             string
	Secret           string
	RequireSignature bool
	MaxPayloadBytes  int64
}

// Server is the webhook HTTP surface.
type Server struct {
	cfg         Config
	coordinator Applier
	runs        RunLookup
	deliveries  DeliveryStore
	audit       AuditSink
	log         *zap.SugaredLogger
}

// NewServer builds a webhook Server.
func NewServer(cfg Config, coordinator Applier, runs RunLookup, deliveries DeliveryStore, audit AuditSink, log *zap.SugaredLogger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/github/webhook"
	}
	cfg.Path = normalizePath(cfg.Path)
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	return &Server{cfg: cfg, coordinator: coordinator, runs: runs, deliveries: deliveries, audit: audit, log: log}
}

// RegisterRoutes attaches the ingress POST and liveness GET handlers to r.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(s.cfg.Path, s.handlePost).Methods(http.MethodPost)
	r.HandleFunc(s.cfg.Path, s.handleGet).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "not found"})
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "alive"})
}

// handlePost implements the full spec.md §4.4 ten-step contract.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	event := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")
	if delivery == "" {
		delivery = uuid.NewString()
	}

	respond := func(status int, payload map[string]any, outcome string) {
		recordOutcome(outcome)
		writeJSON(w, status, payload)
		s.auditAppend(r, event, delivery, status, outcome, payload)
	}

	// Step 1: path match is handled by the router itself (RegisterRoutes
	// only binds s.cfg.Path); mux's NotFoundHandler covers mismatches.

	// Step 2: size guard.
	length, err := contentLength(r)
	if err != nil {
		respond(http.StatusBadRequest, map[string]any{
			"ok": false, "event": event, "delivery": delivery,
			"error": fmt.Sprintf("invalid Content-Length: %s", r.Header.Get("Content-Length")),
		}, "invalid_content_length")
		return
	}
	if length > s.cfg.MaxPayloadBytes {
		respond(http.StatusRequestEntityTooLarge, map[string]any{
			"ok": false, "event": event, "delivery": delivery,
			"error": fmt.Sprintf("payload too large: %d bytes (max=%d)", length, s.cfg.MaxPayloadBytes),
		}, "payload_too_large")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxPayloadBytes+1))
	if err != nil {
		respond(http.StatusBadRequest, map[string]any{
			"ok": false, "event": event, "delivery": delivery,
			"error": "failed to read request body",
		}, "read_error")
		return
	}
	if int64(len(body)) > s.cfg.MaxPayloadBytes {
		respond(http.StatusRequestEntityTooLarge, map[string]any{
			"ok": false, "event": event, "delivery": delivery,
			"error": fmt.Sprintf("payload too large after read: %d bytes (max=%d)", len(body), s.cfg.MaxPayloadBytes),
		}, "payload_too_large")
		return
	}

	// Step 3: required headers.
	if event == "" {
		respond(http.StatusBadRequest, map[string]any{
			"ok": false, "error": "missing X-GitHub-Event header",
		}, "missing_event")
		return
	}

	// Step 4: signature.
	signature := r.Header.Get("X-Hub-Signature-256")
	if !verifySignature(body, s.cfg.Secret, signature, s.cfg.RequireSignature) {
		respond(http.StatusUnauthorized, map[string]any{
			"ok": false, "error": "invalid webhook signature",
		}, "invalid_signature")
		return
	}

	// Step 5: replay defense.
	sum := sha256.Sum256(body)
	payloadSHA256 := hex.EncodeToString(sum[:])
	reserved, err := s.deliveries.ReserveWebhookDelivery(ctx, "github", delivery, event, payloadSHA256)
	if err != nil {
		respond(http.StatusInternalServerError, map[string]any{
			"ok": false, "event": event, "delivery": delivery,
			"error": fmt.Sprintf("failed to reserve delivery: %v", err),
		}, "reserve_error")
		return
	}
	if !reserved {
		respond(http.StatusOK, map[string]any{
			"ok": true, "event": event, "delivery": delivery, "duplicate_delivery": true,
		}, "duplicate_delivery")
		return
	}

	// Step 6: JSON parse.
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		_ = s.deliveries.DeleteWebhookDelivery(ctx, "github", delivery)
		respond(http.StatusBadRequest, map[string]any{
			"ok": false, "error": "invalid JSON payload",
		}, "invalid_json")
		return
	}

	// Steps 7-9: dispatch and per-PR application.
	outcome := s.process(ctx, event, delivery, payload)

	// Step 10: response.
	if outcome.RetryableFailures > 0 {
		_ = s.deliveries.DeleteWebhookDelivery(ctx, "github", delivery)
		respond(http.StatusInternalServerError, outcome.toMap(), "retryable_failure")
		return
	}
	respond(http.StatusOK, outcome.toMap(), "processed")
}

func (s *Server) auditAppend(r *http.Request, event, delivery string, status int, outcome string, payload map[string]any) {
	if s.audit == nil {
		return
	}
	processed, _ := payload["processed"].(int)
	ignored, _ := payload["ignored"].(int)
	retryable, _ := payload["retryable_failures"].(int)
	errStr, _ := payload["error"].(string)
	_ = s.audit.Append(map[string]any{
		"method":             http.MethodPost,
		"path":               normalizePath(r.URL.Path),
		"event":              event,
		"delivery":           delivery,
		"status_code":        status,
		"outcome":            outcome,
		"processed":          processed,
		"ignored":            ignored,
		"retryable_failures": retryable,
		"error":              errStr,
	})
}

func contentLength(r *http.Request) (int64, error) {
	raw := r.Header.Get("Content-Length")
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
