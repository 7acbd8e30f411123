package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatpipe/pkg/config"
	"chatpipe/pkg/guard"
	"chatpipe/pkg/ledger"
	"chatpipe/pkg/logger"
	"chatpipe/pkg/metrics"
	"chatpipe/pkg/processor"
	"chatpipe/pkg/webhook"

	"github.com/google/uuid"
)

const (
	defaultMaxBodyBytes = 1 << 20
	signatureHeader     = "X-Hub-Signature-256"
	webhookPath         = "/webhook"
	drainPath           = "/drain"
)

// Submitter accepts a message for background processing.
type Submitter interface {
	Submit(job processor.Job) error
}

// Drainer runs one batch of the ledger worker.
type Drainer interface {
	ProcessPending(ctx context.Context, limit int) (ledger.Result, error)
}

// IngressOptions configures the webhook and drain handlers.
type IngressOptions struct {
	Signature    *webhook.SignatureValidator
	Schema       *webhook.SchemaValidator
	Guard        *guard.Guard
	Submitter    Submitter
	Drainer      Drainer
	VerifyToken  string
	Cron         config.CronConfig
	DrainLimit   int
	MaxBodyBytes int64
	Metrics      metrics.Sink
	Logger       *slog.Logger
	Clock        func() time.Time
	NewRequestID func() string
}

// Ingress serves the provider webhook and the scheduler drain endpoint.
type Ingress struct {
	signature    *webhook.SignatureValidator
	schema       *webhook.SchemaValidator
	guard        *guard.Guard
	submitter    Submitter
	drainer      Drainer
	verifyToken  string
	cron         config.CronConfig
	drainLimit   int
	maxBodyBytes int64
	metrics      metrics.Sink
	base         *slog.Logger
	log          *slog.Logger
	now          func() time.Time
	newRequestID func() string
}

type ackResponse struct {
	Success           bool   `json:"success"`
	Status            string `json:"status,omitempty"`
	Reason            string `json:"reason,omitempty"`
	RequestID         string `json:"request_id"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

type drainResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	Error     string `json:"error,omitempty"`
	ledger.Result
}

func NewIngress(opts IngressOptions) (*Ingress, error) {
	if opts.Signature == nil {
		return nil, errors.New("signature validator is required")
	}
	if opts.Submitter == nil {
		return nil, errors.New("submitter is required")
	}

	in := &Ingress{
		signature:    opts.Signature,
		schema:       opts.Schema,
		guard:        opts.Guard,
		submitter:    opts.Submitter,
		drainer:      opts.Drainer,
		verifyToken:  strings.TrimSpace(opts.VerifyToken),
		cron:         opts.Cron,
		drainLimit:   opts.DrainLimit,
		maxBodyBytes: opts.MaxBodyBytes,
		metrics:      opts.Metrics,
		log:          opts.Logger,
		now:          opts.Clock,
		newRequestID: opts.NewRequestID,
	}
	if in.schema == nil {
		schema, err := webhook.NewSchemaValidator()
		if err != nil {
			return nil, err
		}
		in.schema = schema
	}
	if in.guard == nil {
		in.guard = guard.New(0, 0)
	}
	if in.maxBodyBytes <= 0 {
		in.maxBodyBytes = defaultMaxBodyBytes
	}
	if in.drainLimit <= 0 {
		in.drainLimit = ledger.DefaultBatchLimit
	}
	if in.metrics == nil {
		in.metrics = metrics.Discard{}
	}
	if in.log == nil {
		in.log = slog.Default()
	}
	in.base = in.log
	in.log = in.log.With("component", "gateway.ingress")
	if in.now == nil {
		in.now = time.Now
	}
	if in.newRequestID == nil {
		in.newRequestID = uuid.NewString
	}
	return in, nil
}

// Register mounts the ingress routes on mux.
func (in *Ingress) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+webhookPath, in.handleVerify)
	mux.HandleFunc("POST "+webhookPath, in.handleWebhook)
	mux.HandleFunc("GET "+drainPath, in.handleDrain)
}

func (in *Ingress) handleVerify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")

	if mode != "subscribe" || in.verifyToken == "" || !constantTimeEqual(token, in.verifyToken) {
		in.log.Warn("Webhook verification rejected", "mode", mode)
		in.count(r.Context(), "verify_rejected")
		http.Error(w, "forbidden", http.StatusUnauthorized)
		return
	}

	in.count(r.Context(), "verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

func (in *Ingress) handleWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := in.newRequestID()
	receivedAt := in.now()
	log := logger.ForRequest(in.base, requestID, "gateway.webhook")
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, in.maxBodyBytes))
	if err != nil {
		log.Warn("Read webhook body failed", "error", err)
		in.count(ctx, "bad_request")
		writeJSON(w, http.StatusBadRequest, ackResponse{Reason: "unreadable_body", RequestID: requestID}, log)
		return
	}

	if !in.signature.Validate(body, r.Header.Get(signatureHeader)) {
		log.Warn("Webhook signature rejected")
		in.count(ctx, "unauthorized")
		writeJSON(w, http.StatusUnauthorized, ackResponse{Reason: "invalid_signature", RequestID: requestID}, log)
		return
	}

	if err := in.schema.Validate(body); err != nil {
		log.Warn("Webhook payload rejected", "error", err)
		in.count(ctx, "bad_request")
		writeJSON(w, http.StatusBadRequest, ackResponse{Reason: "invalid_payload", RequestID: requestID}, log)
		return
	}

	messages, disposition, err := webhook.Extract(body, receivedAt.UnixMilli())
	if err != nil {
		log.Warn("Webhook payload rejected", "error", err)
		in.count(ctx, "bad_request")
		writeJSON(w, http.StatusBadRequest, ackResponse{Reason: "invalid_payload", RequestID: requestID}, log)
		return
	}
	if disposition != nil {
		log.Debug("Webhook has nothing to process", "status", disposition.Status, "reason", disposition.Reason)
		in.count(ctx, disposition.Status)
		writeJSON(w, http.StatusOK, ackResponse{Status: disposition.Status, Reason: disposition.Reason, RequestID: requestID}, log)
		return
	}

	var (
		accepted   int
		retryAfter time.Duration
		reserved   []*guard.Reservation
	)
	for _, msg := range messages {
		slot, allowed, wait := in.guard.Reserve(msg.Sender)
		if !allowed {
			log.Info("Sender rate limited", "sender", msg.Sender, "retry_after", wait)
			retryAfter = max(retryAfter, wait)
			continue
		}
		reserved = append(reserved, slot)
		if err := in.submitter.Submit(processor.Job{RequestID: requestID, Message: msg, ReceivedAt: receivedAt}); err != nil {
			log.Error("Submit message failed", "external_message_id", msg.ExternalMessageID, "error", err)
			// The provider redelivers the whole envelope; its senders must not
			// be throttled by slots this request took.
			for _, r := range reserved {
				r.Release()
			}
			in.count(ctx, "overloaded")
			writeJSON(w, http.StatusServiceUnavailable, ackResponse{Reason: "overloaded", RequestID: requestID}, log)
			return
		}
		accepted++
	}

	if accepted == 0 {
		in.count(ctx, "rate_limited")
		seconds := int(math.Ceil(retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeJSON(w, http.StatusTooManyRequests, ackResponse{Reason: "rate_limited", RequestID: requestID, RetryAfterSeconds: seconds}, log)
		return
	}

	in.count(ctx, "accepted")
	log.Info("Webhook accepted", "messages", accepted, "rate_limited", len(messages)-accepted)
	writeJSON(w, http.StatusOK, ackResponse{Success: true, RequestID: requestID}, log)
}

func (in *Ingress) handleDrain(w http.ResponseWriter, r *http.Request) {
	requestID := in.newRequestID()
	log := logger.ForRequest(in.base, requestID, "gateway.drain")

	if !in.cronAuthorized(r) {
		log.Warn("Drain request rejected")
		in.count(r.Context(), "drain_unauthorized")
		writeJSON(w, http.StatusUnauthorized, drainResponse{RequestID: requestID, Error: "unauthorized"}, log)
		return
	}
	if in.drainer == nil {
		writeJSON(w, http.StatusServiceUnavailable, drainResponse{RequestID: requestID, Error: "ledger disabled"}, log)
		return
	}

	limit := in.drainLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	result, err := in.drainer.ProcessPending(r.Context(), limit)
	if err != nil {
		log.Error("Drain failed", "error", err)
		in.count(r.Context(), "drain_failed")
		writeJSON(w, http.StatusInternalServerError, drainResponse{RequestID: requestID, Error: "drain failed", Result: result}, log)
		return
	}

	in.count(r.Context(), "drained")
	log.Info("Drain completed", "scanned", result.Scanned, "claimed", result.Claimed, "completed", result.Completed, "failed", result.Failed, "skipped", result.Skipped)
	writeJSON(w, http.StatusOK, drainResponse{Success: true, RequestID: requestID, Result: result}, log)
}

// cronAuthorized accepts a known scheduler user agent or the bearer secret.
func (in *Ingress) cronAuthorized(r *http.Request) bool {
	if secret := strings.TrimSpace(in.cron.Secret); secret != "" {
		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && constantTimeEqual(strings.TrimSpace(token), secret) {
			return true
		}
	}

	agent := strings.ToLower(r.UserAgent())
	if agent == "" {
		return false
	}
	for _, known := range in.cron.UserAgents {
		known = strings.ToLower(strings.TrimSpace(known))
		if known != "" && strings.Contains(agent, known) {
			return true
		}
	}
	return false
}

func (in *Ingress) count(ctx context.Context, outcome string) {
	in.metrics.Count(ctx, metrics.IngressRequestsTotal, metrics.Tags{"outcome": outcome})
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any, log *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error("Failed to write response", "error", err)
	}
}
