package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"gwi.com/prefs-assistant/internal/assistant"
	"gwi.com/prefs-assistant/internal/backend"
	"gwi.com/prefs-assistant/internal/logger"
	"gwi.com/prefs-assistant/internal/preferences"
	"gwi.com/prefs-assistant/internal/session"
)

// APIHandler serves one local user: there is a single session, preference snapshot and conversation per process.
type APIHandler struct {
	sessions     *session.Manager
	prefs        *preferences.Store
	conversation *assistant.Conversation
	log          *logger.Logger

	unsubscribe func()
}

func NewAPIHandler(sessions *session.Manager, prefs *preferences.Store, conversation *assistant.Conversation, log *logger.Logger) *APIHandler {
	if log == nil {
		log = logger.NewNop()
	}
	h := &APIHandler{
		sessions:     sessions,
		prefs:        prefs,
		conversation: conversation,
		log:          log.With("component", "api"),
	}
	// A signed-out user must not see the previous user's chat.
	h.unsubscribe = sessions.Subscribe(func(s session.Snapshot) {
		if s.State != session.StateAuthenticated {
			conversation.Reset()
		}
	})
	return h
}

func (h *APIHandler) Close() {
	h.unsubscribe()
}

// RequireSession rejects requests while no user is signed in.
func (h *APIHandler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.sessions.IsAuthenticated() {
			http.Error(w, "Not signed in", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type SessionResponse struct {
	State string        `json:"state"`
	User  *backend.User `json:"user,omitempty"`
}

func sessionResponse(s session.Snapshot) SessionResponse {
	return SessionResponse{State: s.State.String(), User: s.User}
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req backend.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.sessions.Login(r.Context(), req.Username, req.Password); err != nil {
		h.writeError(w, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(h.sessions.Snapshot()))
}

func (h *APIHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req backend.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.sessions.Register(r.Context(), req.Username, req.Email, req.Password); err != nil {
		h.writeError(w, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(h.sessions.Snapshot()))
}

func (h *APIHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	h.sessions.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) SessionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionResponse(h.sessions.Snapshot()))
}

type PreferencesView struct {
	Preferences *backend.Preferences `json:"preferences"`
	Loading     bool                 `json:"loading"`
}

func (h *APIHandler) GetPreferencesHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.prefs.Activate(r.Context()); err != nil {
		h.writeError(w, "get preferences", err)
		return
	}
	writeJSON(w, http.StatusOK, PreferencesView{Preferences: h.prefs.Current(), Loading: h.prefs.Loading()})
}

// UpdatePreferencesHandler sends exactly the fields present in the body.
func (h *APIHandler) UpdatePreferencesHandler(w http.ResponseWriter, r *http.Request) {
	var patch backend.PreferencesPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	prefs, err := h.prefs.Set(r.Context(), patch)
	if err != nil {
		h.writeError(w, "update preferences", err)
		return
	}
	writeJSON(w, http.StatusOK, backend.PreferencesResponse{Preferences: prefs})
}

// ReplacePreferencesHandler takes the whole settings form and sends only what changed.
func (h *APIHandler) ReplacePreferencesHandler(w http.ResponseWriter, r *http.Request) {
	var desired backend.Preferences
	if err := json.NewDecoder(r.Body).Decode(&desired); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := desired.Validate(); err != nil {
		h.writeError(w, "replace preferences", err)
		return
	}

	prefs, err := h.prefs.Apply(r.Context(), desired)
	if err != nil {
		h.writeError(w, "replace preferences", err)
		return
	}
	writeJSON(w, http.StatusOK, backend.PreferencesResponse{Preferences: prefs})
}

func (h *APIHandler) RefreshPreferencesHandler(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.prefs.Load(r.Context())
	if err != nil {
		h.writeError(w, "refresh preferences", err)
		return
	}
	writeJSON(w, http.StatusOK, backend.PreferencesResponse{Preferences: prefs})
}

type ChatHistoryResponse struct {
	Messages    []assistant.Message `json:"messages"`
	Suggestions []assistant.Command `json:"suggestions"`
}

func (h *APIHandler) ChatHistoryHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ChatHistoryResponse{
		Messages:    h.conversation.Messages(),
		Suggestions: assistant.SuggestedCommands(),
	})
}

type ChatResponse struct {
	Message     string               `json:"message"`
	Action      backend.Action       `json:"action,omitempty"`
	Preferences *backend.Preferences `json:"preferences,omitempty"`
	Notice      *assistant.Notice    `json:"notice,omitempty"`
}

func (h *APIHandler) PostChatHandler(w http.ResponseWriter, r *http.Request) {
	var req backend.AssistantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	out, err := h.conversation.Send(r.Context(), req.Message)
	if err != nil && (out == nil || out.Reply == nil) {
		h.writeError(w, "chat", err)
		return
	}
	if err != nil {
		// The reply arrived but the follow-up refresh failed; the user still gets the reply.
		h.log.Warn("chat reply delivered without refreshed preferences", "error", err)
	}

	writeJSON(w, http.StatusOK, ChatResponse{
		Message:     out.Reply.Message,
		Action:      out.Reply.Action,
		Preferences: out.Preferences,
		Notice:      out.Notice,
	})
}

func (h *APIHandler) ResetChatHandler(w http.ResponseWriter, r *http.Request) {
	h.conversation.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) writeError(w http.ResponseWriter, op string, err error) {
	var remote *backend.RemoteError
	var network *backend.NetworkError
	switch {
	case errors.Is(err, preferences.ErrStale), errors.Is(err, assistant.ErrReset):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, backend.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &remote):
		status := remote.StatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		http.Error(w, remote.Message, status)
	case errors.Is(err, backend.ErrUnauthorized):
		http.Error(w, "Not signed in", http.StatusUnauthorized)
	case errors.Is(err, context.Canceled):
		// Client went away.
	case errors.As(err, &network):
		h.log.Warn("backend unreachable", "op", op, "error", err)
		http.Error(w, "Backend unreachable", http.StatusBadGateway)
	default:
		h.log.Error("request failed", "op", op, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
