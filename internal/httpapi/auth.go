package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Auth guards the API: the bot authenticates with a shared token, dashboard
// users log in with a bcrypt-checked password and receive a short-lived
// session token. When neither credential is configured the API is open
// (local development).
type Auth struct {
	user         string
	passwordHash string
	botToken     string
	ttl          time.Duration
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]time.Time
}

type AuthConfig struct {
	User         string
	PasswordHash string
	BotToken     string
	SessionTTL   time.Duration
	Now          func() time.Time
}

func NewAuth(cfg AuthConfig) *Auth {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &Auth{
		user:         cfg.User,
		passwordHash: cfg.PasswordHash,
		botToken:     cfg.BotToken,
		ttl:          ttl,
		now:          now,
		sessions:     make(map[string]time.Time),
	}
}

func (a *Auth) enabled() bool {
	return a.passwordHash != "" || a.botToken != ""
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if a.passwordHash == "" {
		writeError(w, http.StatusNotFound, "not_found", "login is not configured")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.Username != a.user || bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}

	token := uuid.NewString()
	expiresAt := a.now().Add(a.ttl)
	a.mu.Lock()
	a.sessions[token] = expiresAt
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

// ValidSession reports whether token is a live dashboard session.
func (a *Auth) ValidSession(token string) bool {
	if token == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	expiresAt, ok := a.sessions[token]
	if !ok {
		return false
	}
	if a.now().After(expiresAt) {
		delete(a.sessions, token)
		return false
	}
	return true
}

func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled() || isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if a.botToken != "" && token == a.botToken {
			next.ServeHTTP(w, r)
			return
		}
		if a.ValidSession(token) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
	})
}

func isPublicEndpoint(r *http.Request) bool {
	return r.URL.Path == "/healthz" || r.URL.Path == "/api/auth/login"
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
