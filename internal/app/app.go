// Package app wires the HTTP surface of the gateway: routing, middleware and
// the health, sign-in and admin handlers. Chat routes live in package llm.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"agrimater/internal/auth"
	"agrimater/internal/llm"
	"agrimater/internal/logging"
	"agrimater/internal/netguard"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// DefaultRateLimitPerMinute is the per-client allowance on POST /api/chat.
const DefaultRateLimitPerMinute = 20

// Pinger reports whether the database is reachable. *store.Store satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options carries the dependencies of an App. Chat, Guard and Auth are
// required; Database may be nil when the gateway runs without persistence.
type Options struct {
	Chat               *llm.ServerState
	Guard              *netguard.Guard
	Auth               *auth.Service
	Database           Pinger
	Logger             *zap.Logger
	RateLimitPerMinute int
	// TrustProxy lets X-Forwarded-For and X-Real-IP replace the transport
	// address. Enable it only behind a proxy that sets those headers.
	TrustProxy bool
}

// App represents the main application with its router and services.
type App struct {
	Router chi.Router
	Auth   *auth.Service
	Guard  *netguard.Guard
	Chat   *llm.ServerState

	database   Pinger
	limiter    *clientLimiter
	trustProxy bool
	logger   *zap.Logger
	now      func() time.Time
}

// NewApp creates and initializes a new instance of the App struct.
func NewApp(opts Options) *App {
	perMinute := opts.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = DefaultRateLimitPerMinute
	}

	a := &App{
		Router:   chi.NewRouter(),
		Auth:     opts.Auth,
		Guard:    opts.Guard,
		Chat:     opts.Chat,
		database:   opts.Database,
		limiter:    newClientLimiter(perMinute),
		trustProxy: opts.TrustProxy,
		logger:     logging.OrNop(opts.Logger),
		now:        time.Now,
	}
	a.initializeRoutes()
	return a
}

func (a *App) initializeRoutes() {
	r := a.Router
	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	if a.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", a.handleStatus)
	r.Post("/api/auth/send-otp", a.handleSendOTP)
	r.Post("/api/auth/verify-otp", a.handleVerifyOTP)
	a.Chat.RegisterHandlers(r, a.limiter.middleware)

	r.Route("/admin/network", func(r chi.Router) {
		r.Use(requireAPIKey)
		r.Get("/status", a.handleNetworkStatus)
		r.Post("/cancel", a.handleNetworkCancel)
		r.Post("/reset", a.handleNetworkReset)
	})
}

// ServeHTTP lets App be used directly as the server handler.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Router.ServeHTTP(w, r)
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := a.Chat.Service.GetConfig()

	hasDatabase := false
	if a.database != nil {
		if err := a.database.Ping(r.Context()); err != nil {
			a.logger.Warn("Database ping failed", zap.Error(err))
		} else {
			hasDatabase = true
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": a.now().UTC().Format(time.RFC3339),
		"env": map[string]any{
			"hasGroqKey":  cfg.APIKey != "",
			"groqModel":   cfg.DefaultModel,
			"hasDatabase": hasDatabase,
		},
		"network": a.Guard.Status(),
		"routes": map[string]string{
			"chat":       "/api/chat",
			"chatHealth": "/api/chat/health",
			"sendOtp":    "/api/auth/send-otp",
			"verifyOtp":  "/api/auth/verify-otp",
		},
	})
}

type sendOTPRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (a *App) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req sendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "Email is required")
		return
	}

	err := a.Auth.SendOTP(r.Context(), email, strings.TrimSpace(req.Name))
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		a.logger.Error("Failed to send OTP", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Failed to send OTP. Please try again later.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "OTP sent successfully to your email",
	})
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

func (a *App) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	otp := strings.TrimSpace(req.OTP)
	if email == "" || otp == "" {
		writeError(w, http.StatusBadRequest, "Email and OTP are required")
		return
	}

	if err := a.Auth.VerifyOTP(email, otp); err != nil {
		a.logger.Info("OTP verification failed", zap.String("email", email), zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := llm.CreateSessionToken(email, email, a.Chat.Secret)
	if err != nil {
		a.logger.Error("Failed to create session token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "OTP verified successfully!",
		"token":   token,
	})
}

func (a *App) handleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Guard.Status())
}

type cancelRequest struct {
	Pattern string `json:"pattern"`
	Regex   bool   `json:"regex"`
}

func (a *App) handleNetworkCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Pattern == "" {
		writeError(w, http.StatusBadRequest, "pattern is required")
		return
	}

	var n int
	if req.Regex {
		re, err := regexp.Compile(req.Pattern)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid pattern: "+err.Error())
			return
		}
		n = a.Guard.CancelMatching(re)
	} else {
		n = a.Guard.Cancel(req.Pattern)
	}

	a.logger.Info("Cancelled outbound requests", zap.String("pattern", req.Pattern), zap.Int("count", n))
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (a *App) handleNetworkReset(w http.ResponseWriter, r *http.Request) {
	a.Guard.Reset()
	a.logger.Info("Governor reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// requireAPIKey admits requests carrying a key from VALID_API_KEYS, either as
// a Bearer token or in X-API-Key.
func requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			authHeader := r.Header.Get("Authorization")
			apiKey = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		}
		if !auth.VerifyAppAPIKey(apiKey) {
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
