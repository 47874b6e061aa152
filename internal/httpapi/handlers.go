package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/broadcast"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/internal/flows"
	"github.com/parleyhq/parley/internal/templates"
	"github.com/parleyhq/parley/pkg/protocol"
)

// handleIncoming is the external inbound seam: one raw event in, one
// processed turn out.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	var ev bus.InboundEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	res, err := s.engine.HandleIncoming(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	convs, err := s.engine.Conversations().Find(r.Context(), conversations.Filters{
		Status:         protocol.ConversationStatus(q.Get("status")),
		Channel:        protocol.Channel(q.Get("channel")),
		CurrentAgentID: q.Get("agent"),
		ContactID:      q.Get("contact"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.engine.Conversations().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Reason == "" {
		body.Reason = "manual handoff"
	}
	conv, err := s.engine.HandleHandoff(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	conv, err := s.engine.ResumeAI(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	conv, err := s.engine.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	conv, err := s.engine.Close(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	conv, err := s.engine.Reopen(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleHumanReply appends a human agent's message. Outbound delivery rides
// the message:outgoing relay like every other reply.
func (s *Server) handleHumanReply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HumanID string `json:"human_id"`
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	msg, err := s.engine.HandleHumanReply(r.Context(), r.PathValue("id"), body.HumanID, body.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query().Get("q"); q != "" {
		matches, err := s.engine.Contacts().Search(r.Context(), q)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"contacts": matches})
		return
	}
	all, err := s.engine.Contacts().All(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": all})
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	contact, err := s.engine.Contacts().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contact)
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var f flows.Flow
	if !decodeBody(w, r, &f) {
		return
	}
	created, err := s.flows.CreateFlow(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	all, err := s.flows.ListFlows(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": all})
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	f, err := s.flows.GetFlow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	var f flows.Flow
	if !decodeBody(w, r, &f) {
		return
	}
	updated, err := s.flows.UpdateFlow(r.Context(), r.PathValue("id"), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	if err := s.flows.DeleteFlow(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleActivateFlow(w http.ResponseWriter, r *http.Request) {
	f, err := s.flows.SetActive(r.Context(), r.PathValue("id"), true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleDeactivateFlow(w http.ResponseWriter, r *http.Request) {
	f, err := s.flows.SetActive(r.Context(), r.PathValue("id"), false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleExecuteFlow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Context map[string]any `json:"context"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	exec, err := s.flows.Execute(r.Context(), r.PathValue("id"), body.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.flows.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleCustomTrigger fires every active custom-webhook flow with the posted
// payload.
func (s *Server) handleCustomTrigger(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if !decodeBody(w, r, &payload) {
		return
	}
	fired, err := s.triggers.FireCustom(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"fired": fired})
}

func (s *Server) handleCreateBroadcast(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         string               `json:"name"`
		Content      string               `json:"content"`
		MessageType  protocol.MessageType `json:"message_type"`
		Target       broadcast.Target     `json:"target"`
		ScheduledFor *string              `json:"scheduled_for"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	params := broadcast.CreateParams{
		Name:        body.Name,
		Content:     body.Content,
		MessageType: body.MessageType,
		Target:      body.Target,
	}
	if body.ScheduledFor != nil {
		at, err := parseTime(*body.ScheduledFor)
		if err != nil {
			writeError(w, err)
			return
		}
		params.ScheduledFor = &at
	}
	b, err := s.broadcasts.Create(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBroadcasts(w http.ResponseWriter, r *http.Request) {
	all, err := s.broadcasts.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"broadcasts": all})
}

func (s *Server) handleGetBroadcast(w http.ResponseWriter, r *http.Request) {
	b, err := s.broadcasts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleSendBroadcast starts the send loop in the background; the response
// returns immediately with the sending-state record.
func (s *Server) handleSendBroadcast(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.broadcasts.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if b.Status == broadcast.StatusCancelled || b.Status == broadcast.StatusCompleted {
		writeError(w, broadcast.ErrNotSendable)
		return
	}
	go s.broadcasts.Send(detachedContext(r), id)
	writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) handleCancelBroadcast(w http.ResponseWriter, r *http.Request) {
	b, err := s.broadcasts.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string           `json:"name"`
		Content   string           `json:"content"`
		Variables []string         `json:"variables"`
		Channel   protocol.Channel `json:"channel"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	t, err := s.templates.Create(r.Context(), body.Name, body.Content, body.Variables, body.Channel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	all, err := s.templates.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": all})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.templates.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content   string                   `json:"content"`
		Variables []string                 `json:"variables"`
		Approval  templates.ApprovalStatus `json:"approval"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id := r.PathValue("id")
	t, err := s.templates.Update(r.Context(), id, body.Content, body.Variables)
	if err != nil {
		writeError(w, err)
		return
	}
	if body.Approval != "" {
		if t, err = s.templates.SetApproval(r.Context(), id, body.Approval); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.templates.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleRenderTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Values map[string]string `json:"values"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rendered, err := s.templates.Render(r.Context(), r.PathValue("id"), body.Values)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rendered": rendered})
}

func (s *Server) handleKnowledgeReload(w http.ResponseWriter, r *http.Request) {
	if err := s.knowledge.Reload(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": s.knowledge.Size()})
}

func (s *Server) handleKnowledgeList(w http.ResponseWriter, _ *http.Request) {
	docs := s.knowledge.All()
	keys := make([]string, 0, len(docs))
	for _, doc := range docs {
		keys = append(keys, doc.Key)
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// parseTime accepts RFC 3339 timestamps from API clients.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: scheduled_for must be RFC 3339", broadcast.ErrInvalidBroadcast)
	}
	return t, nil
}

// detachedContext keeps request-scoped values (trace context) but drops the
// request's cancellation, so background work outlives the HTTP exchange.
func detachedContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
