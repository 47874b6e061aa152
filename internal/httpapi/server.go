// Package httpapi exposes the platform over HTTP: the inbound message seam,
// per-conversation controls, automation CRUD, channel webhooks, and health.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/broadcast"
	"github.com/parleyhq/parley/internal/channels"
	"github.com/parleyhq/parley/internal/channels/web"
	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/flows"
	"github.com/parleyhq/parley/internal/knowledge"
	"github.com/parleyhq/parley/internal/templates"
)

// Server is the HTTP front for the platform core.
type Server struct {
	engine     *engine.Engine
	flows      *flows.Engine
	triggers   *flows.Triggers
	broadcasts *broadcast.Manager
	templates  *templates.Manager
	knowledge  *knowledge.Index
	channels   *channels.Manager
	webHub     *web.Hub

	rateLimiter *channels.WebhookRateLimiter
	httpServer  *http.Server
	mux         *http.ServeMux
	addr        string
}

// Deps carries the server's collaborators. WebHub is optional; when nil the
// /ws endpoint is not registered.
type Deps struct {
	Engine     *engine.Engine
	Flows      *flows.Engine
	Triggers   *flows.Triggers
	Broadcasts *broadcast.Manager
	Templates  *templates.Manager
	Knowledge  *knowledge.Index
	Channels   *channels.Manager
	WebHub     *web.Hub
}

// NewServer wires the server.
func NewServer(addr string, deps Deps) *Server {
	return &Server{
		engine:      deps.Engine,
		flows:       deps.Flows,
		triggers:    deps.Triggers,
		broadcasts:  deps.Broadcasts,
		templates:   deps.Templates,
		knowledge:   deps.Knowledge,
		channels:    deps.Channels,
		webHub:      deps.WebHub,
		rateLimiter: channels.NewWebhookRateLimiter(),
		addr:        addr,
	}
}

// BuildMux creates and caches the mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Inbound seam and conversation controls.
	mux.HandleFunc("POST /messages/incoming", s.handleIncoming)
	mux.HandleFunc("GET /conversations", s.handleListConversations)
	mux.HandleFunc("GET /conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("POST /conversations/{id}/handoff", s.handleHandoff)
	mux.HandleFunc("POST /conversations/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /conversations/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /conversations/{id}/close", s.handleClose)
	mux.HandleFunc("POST /conversations/{id}/reopen", s.handleReopen)
	mux.HandleFunc("POST /conversations/{id}/human-reply", s.handleHumanReply)

	// Contacts.
	mux.HandleFunc("GET /contacts", s.handleListContacts)
	mux.HandleFunc("GET /contacts/{id}", s.handleGetContact)

	// Automation: flows.
	mux.HandleFunc("POST /flows", s.handleCreateFlow)
	mux.HandleFunc("GET /flows", s.handleListFlows)
	mux.HandleFunc("GET /flows/{id}", s.handleGetFlow)
	mux.HandleFunc("PUT /flows/{id}", s.handleUpdateFlow)
	mux.HandleFunc("DELETE /flows/{id}", s.handleDeleteFlow)
	mux.HandleFunc("POST /flows/{id}/activate", s.handleActivateFlow)
	mux.HandleFunc("POST /flows/{id}/deactivate", s.handleDeactivateFlow)
	mux.HandleFunc("POST /flows/{id}/execute", s.handleExecuteFlow)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /flows/trigger", s.handleCustomTrigger)

	// Automation: broadcasts and templates.
	mux.HandleFunc("POST /broadcasts", s.handleCreateBroadcast)
	mux.HandleFunc("GET /broadcasts", s.handleListBroadcasts)
	mux.HandleFunc("GET /broadcasts/{id}", s.handleGetBroadcast)
	mux.HandleFunc("POST /broadcasts/{id}/send", s.handleSendBroadcast)
	mux.HandleFunc("POST /broadcasts/{id}/cancel", s.handleCancelBroadcast)

	mux.HandleFunc("POST /templates", s.handleCreateTemplate)
	mux.HandleFunc("GET /templates", s.handleListTemplates)
	mux.HandleFunc("GET /templates/{id}", s.handleGetTemplate)
	mux.HandleFunc("PUT /templates/{id}", s.handleUpdateTemplate)
	mux.HandleFunc("DELETE /templates/{id}", s.handleDeleteTemplate)
	mux.HandleFunc("POST /templates/{id}/render", s.handleRenderTemplate)

	// Knowledge.
	mux.HandleFunc("POST /knowledge/reload", s.handleKnowledgeReload)
	mux.HandleFunc("GET /knowledge", s.handleKnowledgeList)

	// Channel webhooks.
	mux.HandleFunc("GET /webhooks/{channel}", s.handleWebhookVerify)
	mux.HandleFunc("POST /webhooks/{channel}", s.handleWebhookDelivery)

	// Web chat websocket.
	if s.webHub != nil {
		mux.HandleFunc("GET /ws", s.webHub.ServeWS)
	}

	s.mux = mux
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("http api starting", "addr", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http api: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"channels": s.channels.Channels(),
	})
}
