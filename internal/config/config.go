package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type SessionBacking string

const (
	SessionMemory SessionBacking = "memory"
	SessionCookie SessionBacking = "cookie"
	SessionFile   SessionBacking = "file"
)

// Client configures the terminal client.
type Client struct {
	BaseURL        string
	PushURL        string
	Session        SessionBacking
	SessionFile    string
	SessionExpiry  time.Duration
	ReconnectDelay time.Duration
	RequestTimeout time.Duration
}

// Server configures the reference chat server.
type Server struct {
	DBFile         string
	APIAddr        string
	AdminAddr      string
	TokenExpiry    time.Duration
	IdempotencyTTL time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

func LoadClient() (*Client, error) {
	sessionExpiry, err := time.ParseDuration(getEnv("AGORA_SESSION_EXPIRY", "1h"))
	if err != nil {
		return nil, err
	}
	reconnectDelay, err := time.ParseDuration(getEnv("AGORA_RECONNECT_DELAY", "1s"))
	if err != nil {
		return nil, err
	}
	requestTimeout, err := time.ParseDuration(getEnv("AGORA_REQUEST_TIMEOUT", "10s"))
	if err != nil {
		return nil, err
	}

	cfg := &Client{
		BaseURL:        getEnv("AGORA_URL", "http://localhost:8080"),
		PushURL:        os.Getenv("AGORA_WS_URL"),
		Session:        SessionBacking(getEnv("AGORA_SESSION", string(SessionFile))),
		SessionFile:    getEnv("AGORA_SESSION_FILE", "agora-session.db"),
		SessionExpiry:  sessionExpiry,
		ReconnectDelay: reconnectDelay,
		RequestTimeout: requestTimeout,
	}

	if cfg.PushURL == "" {
		cfg.PushURL, err = PushURL(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Client) Validate() error {
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("AGORA_URL is invalid: %w", err)
	}

	switch c.Session {
	case SessionMemory, SessionCookie:
	case SessionFile:
		if c.SessionFile == "" {
			return fmt.Errorf("AGORA_SESSION_FILE is required for file sessions")
		}
	default:
		return fmt.Errorf("AGORA_SESSION must be one of memory, cookie, file; got %q", c.Session)
	}

	if c.SessionExpiry <= 0 {
		return fmt.Errorf("AGORA_SESSION_EXPIRY must be greater than 0")
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("AGORA_RECONNECT_DELAY must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("AGORA_REQUEST_TIMEOUT must be greater than 0")
	}

	return nil
}

// PushURL derives the websocket endpoint from the REST base URL.
func PushURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("AGORA_URL is invalid: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func LoadServer() (*Server, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "1h"))
	if err != nil {
		return nil, err
	}
	idempotencyTTL, err := time.ParseDuration(getEnv("IDEMPOTENCY_TTL", "10m"))
	if err != nil {
		return nil, err
	}
	rps, err := strconv.ParseFloat(getEnv("RATE_LIMIT_RPS", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_RPS: %w", err)
	}
	burst, err := strconv.Atoi(getEnv("RATE_LIMIT_BURST", "10"))
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_BURST: %w", err)
	}

	cfg := &Server{
		DBFile:         getEnv("AGORA_DB", "agora.db"),
		APIAddr:        getEnv("AGORA_ADDR", ":8080"),
		AdminAddr:      getEnv("ADMIN_ADDR", "localhost:8081"),
		TokenExpiry:    tokenExpiry,
		IdempotencyTTL: idempotencyTTL,
		RateLimitRPS:   rps,
		RateLimitBurst: burst,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Server) Validate() error {
	if c.DBFile == "" {
		return fmt.Errorf("AGORA_DB is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be greater than 0")
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
