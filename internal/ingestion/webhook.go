// Package ingestion receives Azure Monitor alert notifications over HTTP.
package ingestion

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/bastionguard/internal/config"
	"github.com/lvonguyen/bastionguard/internal/observability"
	"github.com/lvonguyen/bastionguard/internal/reporting"
)

// Processor runs one invocation for a raw notification body.
type Processor interface {
	Process(ctx context.Context, raw []byte) reporting.Report
}

// ReceiverStats tracks receiver counters.
type ReceiverStats struct {
	Received     int64     `json:"received"`
	Unauthorized int64     `json:"unauthorized"`
	Oversized    int64     `json:"oversized"`
	Rejected     int64     `json:"rejected"`
	Skipped      int64     `json:"skipped"`
	Completed    int64     `json:"completed"`
	BytesIn      int64     `json:"bytes_in"`
	LastEventAt  time.Time `json:"last_event_at"`
}

// Receiver is the webhook endpoint Azure action groups post to.
type Receiver struct {
	cfg       config.WebhookConfig
	token     string
	processor Processor
	metrics   *observability.Metrics
	logger    *zap.Logger

	mu    sync.RWMutex
	stats ReceiverStats
}

// NewReceiver creates a receiver. token is the shared secret; an empty token
// rejects every request.
func NewReceiver(cfg config.WebhookConfig, token string, processor Processor, metrics *observability.Metrics, logger *zap.Logger) *Receiver {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1024 * 1024
	}
	if cfg.InvocationTimeout <= 0 {
		cfg.InvocationTimeout = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		cfg:       cfg,
		token:     token,
		processor: processor,
		metrics:   metrics,
		logger:    logger,
	}
}

// Routes mounts the webhook on r. mw wraps only the webhook route.
func (rc *Receiver) Routes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.With(mw...).Post(rc.cfg.Path, rc.ServeHTTP)
	r.Get(strings.TrimRight(rc.cfg.Path, "/")+"/stats", rc.handleStats)
}

// Stats returns a snapshot of the counters.
func (rc *Receiver) Stats() ReceiverStats {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.stats
}

// ServeHTTP handles one notification. Rejected, skipped and completed
// invocations all answer 200 so Azure does not redeliver them. Once the body
// is read the invocation is detached from the connection and bounded by
// InvocationTimeout instead.
func (rc *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !rc.validateToken(req) {
		rc.count(func(s *ReceiverStats) { s.Unauthorized++ })
		rc.observe("unauthorized")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, rc.cfg.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			rc.count(func(s *ReceiverStats) { s.Oversized++ })
			rc.observe("too_large")
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body exceeds " + strconv.FormatInt(rc.cfg.MaxBodySize, 10) + " bytes"})
			return
		}
		rc.observe("bad_request")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "error reading body"})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), rc.cfg.InvocationTimeout)
	defer cancel()
	rep := rc.processor.Process(ctx, body)
	if req.Context().Err() != nil {
		rc.logger.Info("caller disconnected before the invocation finished",
			zap.String("invocation_id", rep.InvocationID),
			zap.String("status", string(rep.Status)),
		)
	}

	rc.count(func(s *ReceiverStats) {
		s.Received++
		s.BytesIn += int64(len(body))
		s.LastEventAt = time.Now()
		switch rep.Status {
		case reporting.StatusRejected:
			s.Rejected++
		case reporting.StatusSkipped:
			s.Skipped++
		case reporting.StatusCompleted:
			s.Completed++
		}
	})
	rc.observe(string(rep.Status))

	rc.logger.Debug("webhook handled",
		zap.String("request_id", middleware.GetReqID(req.Context())),
		zap.String("invocation_id", rep.InvocationID),
		zap.String("status", string(rep.Status)),
	)
	writeJSON(w, http.StatusOK, rep)
}

func (rc *Receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rc.Stats())
}

// validateToken accepts the shared secret as a bearer token, in the
// X-Webhook-Token header, or, when enabled, in the token query parameter.
// No configured token means no request is accepted.
func (rc *Receiver) validateToken(req *http.Request) bool {
	if rc.token == "" {
		return false
	}

	if auth := req.Header.Get("Authorization"); auth != "" {
		if !strings.HasPrefix(auth, "Bearer ") {
			return false
		}
		return tokenEqual(strings.TrimPrefix(auth, "Bearer "), rc.token)
	}
	if h := req.Header.Get("X-Webhook-Token"); h != "" {
		return tokenEqual(h, rc.token)
	}
	if rc.cfg.AllowQueryToken {
		if q := req.URL.Query().Get("token"); q != "" {
			return tokenEqual(q, rc.token)
		}
	}
	return false
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (rc *Receiver) count(fn func(*ReceiverStats)) {
	rc.mu.Lock()
	fn(&rc.stats)
	rc.mu.Unlock()
}

func (rc *Receiver) observe(status string) {
	if rc.metrics != nil {
		rc.metrics.WebhookRequests.WithLabelValues(status).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
