package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/pkg/protocol"
)

const maxWebhookBody = 1 << 20

// handshaker is implemented by adapters whose platform performs a GET
// subscription handshake (the Meta Graph channels).
type handshaker interface {
	VerifyToken() string
}

// handleWebhookVerify answers the Graph API subscription handshake: echo
// hub.challenge when the verify token matches.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	adapter, ok := s.channels.Get(protocol.Channel(r.PathValue("channel")))
	if !ok {
		http.NotFound(w, r)
		return
	}
	hs, ok := adapter.(handshaker)
	if !ok {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != hs.VerifyToken() {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, q.Get("hub.challenge"))
}

// handleWebhookDelivery receives a platform delivery, authenticates it, and
// feeds each parsed message through the engine. The platform only needs a 200;
// per-message failures are logged, not surfaced.
func (s *Server) handleWebhookDelivery(w http.ResponseWriter, r *http.Request) {
	channel := protocol.Channel(r.PathValue("channel"))

	if !s.rateLimiter.Allow(string(channel) + ":" + clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	adapter, ok := s.channels.Get(channel)
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !adapter.VerifyWebhook(r, body) {
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	events, err := adapter.ParseIncoming(body)
	if err != nil {
		http.Error(w, "unparseable payload", http.StatusBadRequest)
		return
	}

	for _, ev := range events {
		if _, err := s.engine.HandleIncoming(r.Context(), ev); err != nil {
			if errors.Is(err, engine.ErrDuplicateMessage) {
				continue // platform retry, already processed
			}
			slog.Error("webhook message processing failed",
				"channel", channel, "message_id", ev.MessageID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": len(events)})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
