package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gwi.com/prefs-assistant/internal/logger"
)

func NewRouter(apiHandler *APIHandler, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewNop()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})
		r.Post("/login", apiHandler.LoginHandler)
		r.Post("/register", apiHandler.RegisterHandler)
		r.Post("/logout", apiHandler.LogoutHandler)
		r.Get("/session", apiHandler.SessionHandler)
		r.Get("/events", apiHandler.EventsHandler)

		// Signed-in routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.RequireSession)

			r.Get("/preferences", apiHandler.GetPreferencesHandler)
			r.Post("/preferences", apiHandler.UpdatePreferencesHandler)
			r.Put("/preferences", apiHandler.ReplacePreferencesHandler)
			r.Post("/preferences/refresh", apiHandler.RefreshPreferencesHandler)

			r.Get("/chat", apiHandler.ChatHistoryHandler)
			r.Post("/chat", apiHandler.PostChatHandler)
			r.Delete("/chat", apiHandler.ResetChatHandler)
		})
	})

	return r
}

// requestLogger logs one line per request through the structured logger.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			defer func() {
				log.Info("http request",
					"request_id", middleware.GetReqID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"elapsed", time.Since(started),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
