package handlers

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"petanque-manager.app/cloud/internal/logger"
	"petanque-manager.app/cloud/internal/metrics"
	"petanque-manager.app/cloud/internal/signature"
)

const MaxBodyBytes = int64(65536)

type WebhookResponse struct {
	Received bool `json:"received"`
}

// StripeWebhook verifies and dispatches one Stripe event. Only transient
// failures answer 500, which makes Stripe redeliver; terminal outcomes are
// acknowledged. The failure limiter is consulted only after verification
// fails, so a correctly signed delivery is never throttled.
func (s *Server) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		} else {
			status = http.StatusBadRequest
		}
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, status, "Unreadable payload")
		return
	}

	header := r.Header.Get(signature.HeaderName)
	if !signature.VerifyAt(payload, header, s.secret, s.tolerance, s.clock.Now()) {
		addr := clientAddr(r)
		metrics.SignatureFailuresTotal.Inc()
		logger.Warn("Webhook signature verification failed", map[string]interface{}{
			"remote_addr":  addr,
			"signature":    header,
			"payload_size": len(payload),
		})
		if !s.limiter.Allow(addr) {
			status = http.StatusTooManyRequests
			writeErrorResponse(w, status, "Too many invalid requests")
			return
		}
		status = http.StatusBadRequest
		writeErrorResponse(w, status, "Invalid signature")
		return
	}

	res, err := s.Dispatcher.Dispatch(r.Context(), payload)
	if res.EventType != "" {
		eventType = res.EventType
	}
	fields := map[string]interface{}{
		"event_id":   res.EventID,
		"event_type": res.EventType,
		"outcome":    string(res.Outcome),
	}

	if err != nil {
		fields["error"] = err.Error()
		logger.Error("Webhook processing failed", fields)
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("event_type", res.EventType)
			scope.SetTag("event_id", res.EventID)
			sentry.CaptureException(err)
		})
		status = http.StatusInternalServerError
		writeErrorResponse(w, status, "Event processing failed")
		return
	}

	logger.Info("Webhook processed", fields)
	writeJSON(w, status, WebhookResponse{Received: true})
}

// clientAddr returns the socket peer IP. Forwarding headers are ignored since
// any caller can set them.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
