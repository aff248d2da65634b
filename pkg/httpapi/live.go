package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/txn2/live-gateway/pkg/errcode"
	"github.com/txn2/live-gateway/pkg/session"
)

// Session actions accepted by POST /api/v1/live.
const (
	actionCreateSession = "create_session"
	actionSendMessage   = "send_message"
	actionCloseSession  = "close_session"
	actionSessionStatus = "session_status"
	actionListSessions  = "list_sessions"
	actionPollMessages  = "poll_messages"
)

// liveRequest is the body of POST /api/v1/live. Message carries text for
// messageType "text" and base64 audio for "audio".
type liveRequest struct {
	Action      string `json:"action"`
	OwnerID     string `json:"ownerId"`
	Token       string `json:"token"`
	SessionID   string `json:"sessionId"`
	Message     string `json:"message"`
	MessageType string `json:"messageType"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type listSessionsResponse struct {
	Sessions []session.Summary `json:"sessions"`
	Count    int               `json:"count"`
}

type polledMessage struct {
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

type pollResponse struct {
	SessionID string          `json:"sessionId"`
	Messages  []polledMessage `json:"messages"`
	Count     int             `json:"count"`
}

// live handles POST /api/v1/live, dispatching on the action discriminator.
func (h *Handler) live(w http.ResponseWriter, r *http.Request) {
	var req liveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	switch req.Action {
	case actionCreateSession:
		h.createSession(w, r, req)
	case actionSendMessage:
		h.sendMessage(w, r, req)
	case actionCloseSession:
		h.closeSession(w, r, req)
	case actionSessionStatus:
		h.sessionStatus(w, req)
	case actionListSessions:
		h.listSessions(w, r)
	case actionPollMessages:
		h.pollMessages(w, req)
	default:
		h.writeError(w, errcode.New(errcode.MalformedRequest, "unknown action: "+req.Action))
	}
}

func errSessionIDRequired() error {
	return errcode.New(errcode.MalformedRequest, "sessionId is required")
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request, req liveRequest) {
	created, err := h.deps.Sessions.CreateSession(r.Context(), req.OwnerID, req.Token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request, req liveRequest) {
	if req.SessionID == "" {
		h.writeError(w, errSessionIDRequired())
		return
	}

	msg, err := parseMessage(req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.deps.Sessions.SendMessage(r.Context(), req.SessionID, msg, req.Token); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "sent"})
}

// parseMessage builds the outbound message. messageType defaults to text.
func parseMessage(req liveRequest) (session.Message, error) {
	switch session.MessageKind(req.MessageType) {
	case "", session.KindText:
		return session.Message{Kind: session.KindText, Text: req.Message}, nil
	case session.KindAudio:
		chunk, err := base64.StdEncoding.DecodeString(req.Message)
		if err != nil {
			return session.Message{}, errcode.Wrap(errcode.MalformedRequest, "audio message must be base64", err)
		}
		return session.Message{Kind: session.KindAudio, Audio: chunk}, nil
	default:
		return session.Message{}, errcode.New(errcode.MalformedRequest, "messageType must be text or audio")
	}
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request, req liveRequest) {
	if req.SessionID == "" {
		h.writeError(w, errSessionIDRequired())
		return
	}
	if err := h.deps.Sessions.CloseSession(r.Context(), req.SessionID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "closed"})
}

func (h *Handler) sessionStatus(w http.ResponseWriter, req liveRequest) {
	if req.SessionID == "" {
		h.writeError(w, errSessionIDRequired())
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Sessions.GetStatus(req.SessionID))
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Auth.Enabled() {
		if _, ok := h.cfg.Auth.Authenticate(r); !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "valid API key required"})
			return
		}
	}
	sessions := h.deps.Sessions.ListSessions()
	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: sessions, Count: len(sessions)})
}

func (h *Handler) pollMessages(w http.ResponseWriter, req liveRequest) {
	if req.SessionID == "" {
		h.writeError(w, errSessionIDRequired())
		return
	}

	inbound, err := h.deps.Sessions.Drain(req.SessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]polledMessage, 0, len(inbound))
	for _, m := range inbound {
		out = append(out, polledMessage{Data: asJSON(m.Data), ReceivedAt: m.ReceivedAt})
	}
	writeJSON(w, http.StatusOK, pollResponse{SessionID: req.SessionID, Messages: out, Count: len(out)})
}

// asJSON passes provider JSON through verbatim and encodes anything else as
// a JSON string.
func asJSON(data []byte) json.RawMessage {
	if json.Valid(data) {
		return data
	}
	encoded, _ := json.Marshal(string(data))
	return encoded
}
