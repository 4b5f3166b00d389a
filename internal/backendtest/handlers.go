package backendtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gwi.com/prefs-assistant/internal/backend"
)

type ctxKey string

const usernameKey ctxKey = "username"

var errUsernameTaken = errors.New("Username already taken")

func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		s.mu.Lock()
		secret := s.secret
		s.mu.Unlock()

		username, err := validateJWT(secret, bearerToken(r))
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		s.mu.Lock()
		_, ok := s.accounts[username]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), usernameKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req backend.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	acc, ok := s.accounts[req.Username]
	s.mu.Unlock()
	if !ok || !checkPasswordHash(req.Password, acc.passwordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	s.writeAuth(w, http.StatusOK, acc)
}

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	var req backend.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		http.Error(w, "Username, email and password are required", http.StatusBadRequest)
		return
	}

	acc, err := s.createAccount(req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, errUsernameTaken) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	s.writeAuth(w, http.StatusCreated, acc)
}

func (s *Server) writeAuth(w http.ResponseWriter, status int, acc *account) {
	token := s.Token(acc.user.Username)
	s.mu.Lock()
	user := s.userPayload(acc)
	s.mu.Unlock()
	writeJSON(w, status, backend.AuthResponse{Token: token, User: user})
}

func (s *Server) userHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	user := s.userPayload(s.accounts[usernameFrom(r)])
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) getPreferencesHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	prefs := s.accounts[usernameFrom(r)].prefs
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, backend.PreferencesResponse{Preferences: &prefs})
}

func (s *Server) updatePreferencesHandler(w http.ResponseWriter, r *http.Request) {
	var patch backend.PreferencesPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := patch.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	acc := s.accounts[usernameFrom(r)]
	applyPatch(&acc.prefs, patch)
	prefs := acc.prefs
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, backend.PreferencesResponse{Preferences: &prefs})
}

func (s *Server) assistantHandler(w http.ResponseWriter, r *http.Request) {
	var req backend.AssistantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "Message cannot be empty", http.StatusBadRequest)
		return
	}

	reply, action, patch := interpret(req.Message)

	s.mu.Lock()
	acc := s.accounts[usernameFrom(r)]
	if !patch.IsEmpty() {
		applyPatch(&acc.prefs, patch)
	}
	prefs := acc.prefs
	withSnapshot := s.assistantSnapshot
	s.mu.Unlock()

	if reply == "" {
		reply = fmt.Sprintf("Your current preferences: theme %s, language %s, notifications %s.",
			prefs.Theme, prefs.Language, onOff(prefs.Notifications))
	}

	resp := backend.AssistantResponse{Message: reply, Action: action}
	if action.MutatesPreferences() && withSnapshot {
		resp.Preferences = &prefs
	}
	writeJSON(w, http.StatusOK, resp)
}

// interpret is a fixed keyword table standing in for the remote assistant. An empty reply means "describe the
// current preferences".
func interpret(message string) (string, backend.Action, backend.PreferencesPatch) {
	msg := strings.ToLower(message)
	var patch backend.PreferencesPatch

	switch {
	case strings.Contains(msg, "dark"):
		theme := backend.ThemeDark
		patch.Theme = &theme
		return "Done, your theme is now dark.", backend.ActionThemeUpdated, patch
	case strings.Contains(msg, "light"):
		theme := backend.ThemeLight
		patch.Theme = &theme
		return "Done, your theme is now light.", backend.ActionThemeUpdated, patch
	case strings.Contains(msg, "spanish"), strings.Contains(msg, "english"), strings.Contains(msg, "indonesia"):
		language := backend.LanguageEnglish
		if strings.Contains(msg, "spanish") {
			language = backend.LanguageSpanish
		} else if strings.Contains(msg, "indonesia") {
			language = backend.LanguageIndonesia
		}
		patch.Language = &language
		return fmt.Sprintf("Done, your language is now %s.", language), backend.ActionLanguageUpdated, patch
	case strings.Contains(msg, "notification"):
		enabled := !(strings.Contains(msg, "off") || strings.Contains(msg, "disable"))
		patch.Notifications = &enabled
		return fmt.Sprintf("Done, notifications are %s.", onOff(enabled)), backend.ActionNotificationsUpdated, patch
	case strings.Contains(msg, "preferences"):
		return "", "", patch
	}
	return "I can change your theme, language, or notification settings.", "", patch
}

func applyPatch(p *backend.Preferences, patch backend.PreferencesPatch) {
	if patch.Theme != nil {
		p.Theme = *patch.Theme
	}
	if patch.Language != nil {
		p.Language = *patch.Language
	}
	if patch.Notifications != nil {
		p.Notifications = *patch.Notifications
	}
	p.UpdatedAt = time.Now().UTC()
}

func usernameFrom(r *http.Request) string {
	username, _ := r.Context().Value(usernameKey).(string)
	return username
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
