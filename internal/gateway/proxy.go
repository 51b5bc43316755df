// Package gateway forwards /gw/{upstream}/... requests to the configured
// upstream services. Every round trip runs through the call executor, so an
// open circuit short-circuits the request and a failed call can be answered
// with the upstream's static fallback response.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"gatekeeper/internal/executor"
	"gatekeeper/internal/models"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// PathPrefix is the mount point of forwarded routes.
const PathPrefix = "/gw"

// FallbackHeader marks responses served from a static fallback.
const FallbackHeader = "X-Gateway-Fallback"

// maxResponseBytes bounds a buffered upstream response body.
const maxResponseBytes = 10 << 20

// errServerError marks a 5xx upstream response, which counts as a failed call.
var errServerError = errors.New("upstream returned server error")

// Upstream is a forwarding target.
type Upstream struct {
	Name     string
	Target   *url.URL
	Fallback *models.FallbackConfig
	proxy    *httputil.ReverseProxy
}

// Proxy routes requests to upstreams by name.
type Proxy struct {
	upstreams map[string]*Upstream
	exec      *executor.Executor
	transport http.RoundTripper
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithTransport replaces the outbound transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) { p.transport = rt }
}

// NewProxy builds a proxy for the configured upstreams.
func NewProxy(upstreams []models.UpstreamConfig, exec *executor.Executor, opts ...Option) (*Proxy, error) {
	p := &Proxy{
		upstreams: make(map[string]*Upstream, len(upstreams)),
		exec:      exec,
		transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, cfg := range upstreams {
		target, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid url for upstream %s: %w", cfg.Name, err)
		}
		if target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("invalid url for upstream %s: %q is not absolute", cfg.Name, cfg.URL)
		}

		u := &Upstream{Name: cfg.Name, Target: target, Fallback: cfg.Fallback}
		u.proxy = &httputil.ReverseProxy{
			Rewrite:      rewriteFor(u),
			Transport:    &breakerTransport{upstream: u, exec: exec, inner: p.transport},
			ErrorHandler: errorHandlerFor(u),
		}
		p.upstreams[cfg.Name] = u
	}

	return p, nil
}

// Upstream returns the named upstream.
func (p *Proxy) Upstream(name string) (*Upstream, bool) {
	u, ok := p.upstreams[name]
	return u, ok
}

// ServeHTTP forwards the request to the upstream named by the {upstream}
// route variable.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["upstream"]
	u, ok := p.upstreams[name]
	if !ok {
		writeError(w, r, http.StatusNotFound, models.ErrorCodeNotFound, "Unknown upstream", name)
		return
	}
	u.proxy.ServeHTTP(w, r)
}

func rewriteFor(u *Upstream) func(*httputil.ProxyRequest) {
	prefix := PathPrefix + "/" + u.Name
	return func(pr *httputil.ProxyRequest) {
		pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, prefix)
		pr.Out.URL.RawPath = ""
		pr.SetURL(u.Target)
		pr.SetXForwarded()
		otel.GetTextMapPropagator().Inject(pr.Out.Context(), propagation.HeaderCarrier(pr.Out.Header))
	}
}

// breakerTransport performs the upstream round trip inside the executor. The
// response body is buffered inside the call so the call timeout covers it.
type breakerTransport struct {
	upstream *Upstream
	exec     *executor.Executor
	inner    http.RoundTripper
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	call := executor.Request[*http.Response]{
		Upstream: t.upstream.Name,
		Action: func(ctx context.Context) (*http.Response, error) {
			return t.roundTrip(req.WithContext(ctx))
		},
	}
	if fb := t.upstream.Fallback; fb != nil {
		resp := fallbackResponse(fb, req)
		call.Fallback = &resp
	}

	return executor.Execute(req.Context(), t.exec, call)
}

func (t *breakerTransport) roundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("upstream response exceeds %d bytes", maxResponseBytes)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: %s", errServerError, resp.Status)
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Del("Content-Length")
	resp.TransferEncoding = nil
	return resp, nil
}

func fallbackResponse(fb *models.FallbackConfig, req *http.Request) *http.Response {
	contentType := fb.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	header.Set(FallbackHeader, "true")

	return &http.Response{
		Status:        strconv.Itoa(fb.Status) + " " + http.StatusText(fb.Status),
		StatusCode:    fb.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(fb.Body)),
		ContentLength: int64(len(fb.Body)),
		Request:       req,
	}
}

func errorHandlerFor(u *Upstream) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		switch {
		case errors.Is(err, executor.ErrCircuitOpen):
			writeError(w, r, http.StatusServiceUnavailable, models.ErrorCodeCircuitOpen,
				"Upstream circuit is open", u.Name)
		case errors.Is(err, executor.ErrUpstreamTimeout):
			writeError(w, r, http.StatusGatewayTimeout, models.ErrorCodeUpstreamTimeout,
				"Upstream call timed out", u.Name)
		case errors.Is(err, executor.ErrUpstreamFailure):
			slog.Warn("Upstream call failed", "upstream", u.Name, "error", err)
			writeError(w, r, http.StatusBadGateway, models.ErrorCodeUpstreamFailure,
				"Upstream call failed", u.Name)
		case errors.Is(err, context.Canceled):
			slog.Debug("Client went away", "upstream", u.Name, "path", r.URL.Path)
		default:
			slog.Error("Proxy error", "upstream", u.Name, "error", err)
			writeError(w, r, http.StatusBadGateway, models.ErrorCodeUpstreamFailure,
				"Upstream call failed", u.Name)
		}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message, upstream string) {
	errorResp := models.NewErrorResponse(message, code)
	errorResp.Upstream = upstream
	errorResp.RequestID = r.Header.Get("X-Request-ID")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResp)
}
