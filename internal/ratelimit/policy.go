package ratelimit

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"time"

	"gatekeeper/internal/models"
)

// DefaultRoute is the route name of requests that match no route prefix.
const DefaultRoute = "default"

// Policy is the admission policy applied to a request.
type Policy struct {
	Route  string
	Limit  int64
	Window time.Duration
	Scope  string
}

// Policies resolves the policy of a request path. The longest matching route
// prefix wins; requests matching none get the default policy.
type Policies struct {
	fallback Policy
	routes   []Policy // sorted by descending prefix length
	trusted  []netip.Prefix
}

// NewPolicies builds the policy table from configuration. Zero route fields
// inherit the default. cfg is expected to be validated; unparsable trusted
// proxies are ignored.
func NewPolicies(cfg models.RateLimitConfig, routes []models.RouteLimit) *Policies {
	trusted, _ := cfg.TrustedPrefixes()
	p := &Policies{
		trusted: trusted,
		fallback: Policy{
			Route:  DefaultRoute,
			Limit:  cfg.Limit,
			Window: cfg.Window(),
			Scope:  cfg.Scope,
		},
	}

	for _, r := range routes {
		policy := p.fallback
		policy.Route = r.Prefix
		if r.Limit > 0 {
			policy.Limit = r.Limit
		}
		if r.WindowMs > 0 {
			policy.Window = time.Duration(r.WindowMs) * time.Millisecond
		}
		if r.Scope != "" {
			policy.Scope = r.Scope
		}
		p.routes = append(p.routes, policy)
	}
	slices.SortStableFunc(p.routes, func(a, b Policy) int {
		return cmp.Compare(len(b.Route), len(a.Route))
	})

	return p
}

// Resolve returns the policy for path.
func (p *Policies) Resolve(path string) Policy {
	for _, r := range p.routes {
		if strings.HasPrefix(path, r.Route) {
			return r
		}
	}
	return p.fallback
}

// KeyFor derives the rate limit key of r under policy. User and api-key
// scopes fall back to the client IP when their header is missing.
func (p *Policies) KeyFor(r *http.Request, policy Policy) Key {
	switch policy.Scope {
	case models.ScopeUser:
		if user := r.Header.Get("X-User-ID"); user != "" {
			return Key{Scope: models.ScopeUser, Identifier: user, Route: policy.Route}
		}
	case models.ScopeAPIKey:
		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			return Key{Scope: models.ScopeAPIKey, Identifier: fingerprint(apiKey), Route: policy.Route}
		}
	}
	return Key{Scope: models.ScopeIP, Identifier: p.clientIP(r), Route: policy.Route}
}

// fingerprint keeps raw API keys out of the counter store.
func fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}

// clientIP returns the connection address unless the peer is a trusted
// proxy. Behind trusted proxies it takes the rightmost X-Forwarded-For entry
// that is not itself trusted, then X-Real-IP.
func (p *Policies) clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	if !p.isTrusted(host) {
		return host
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !p.isTrusted(hop) {
				return hop
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return host
}

func (p *Policies) isTrusted(ip string) bool {
	if len(p.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
