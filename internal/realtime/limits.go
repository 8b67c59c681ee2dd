package realtime

import (
	"net"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Gateway defaults. Each can be overridden through Config.
const (
	DefaultIdleTimeout     = 30 * time.Second
	DefaultJoinRateLimit   = 10
	DefaultJoinRateWindow  = 10 * time.Second
	DefaultMaxContentBytes = 16 << 10
	DefaultSendQueue       = 256

	minSendQueue        = 32
	defaultWriteTimeout = 5 * time.Second
	defaultTailBlock    = time.Second

	// Frames may carry metadata and envelope overhead on top of the content.
	frameOverheadBytes = 8 << 10

	// Unhydrated members buffer at most this many live messages.
	maxBacklog = 512
)

// DefaultAllowedOrigins permits local development only.
var DefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}

// Config tunes the gateway. Zero values select defaults.
type Config struct {
	// IdleTimeout is the heartbeat window. A connection silent for two
	// consecutive windows is closed.
	IdleTimeout time.Duration

	// JoinRateLimit room joins are allowed per JoinRateWindow per connection.
	JoinRateLimit  int
	JoinRateWindow time.Duration

	// MaxContentBytes caps message content plus encoded metadata.
	MaxContentBytes int

	SendQueue    int
	WriteTimeout time.Duration

	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	AllowedOrigins []string

	// TailBlock bounds each blocking stream read of a room tailer.
	TailBlock time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.JoinRateLimit <= 0 {
		c.JoinRateLimit = DefaultJoinRateLimit
	}
	if c.JoinRateWindow <= 0 {
		c.JoinRateWindow = DefaultJoinRateWindow
	}
	if c.MaxContentBytes <= 0 {
		c.MaxContentBytes = DefaultMaxContentBytes
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.SendQueue < minSendQueue {
		c.SendQueue = minSendQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = slices.Clone(DefaultAllowedOrigins)
	}
	if c.TailBlock <= 0 {
		c.TailBlock = defaultTailBlock
	}
	return c
}

func (c Config) readLimit() int64 {
	return int64(2*c.MaxContentBytes + frameOverheadBytes)
}

// originHostOnly extracts the lower-cased host of an origin or host[:port].
func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatterns derives websocket.AcceptOptions.OriginPatterns from the
// allowlist so both checks agree. Patterns match with and without a port.
func originPatterns(allowed []string) []string {
	var out []string
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		out = append(out, h, h+":*")
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func originAllowed(origin string, required bool, allowed []string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return !required
	}
	host := originHostOnly(origin)
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", a == origin:
			return true
		case host != "" && host == originHostOnly(a):
			return true
		}
	}
	return false
}
