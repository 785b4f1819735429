// Package proxy resolves a request's subdomain to a deployment and
// forwards it to the agent container listening on that deployment's
// internal port, waking stopped/errored deployments on demand.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/layer3studios/proxyclaw/internal/apperr"
	"github.com/layer3studios/proxyclaw/internal/clock"
	"github.com/layer3studios/proxyclaw/internal/logging"
	"github.com/layer3studios/proxyclaw/internal/metrics"
	"github.com/layer3studios/proxyclaw/internal/orchestrator"
	"github.com/layer3studios/proxyclaw/internal/store"
)

const (
	cacheTTL         = 5 * time.Second
	touchInterval    = 60 * time.Second
	forwardTimeout   = 30 * time.Second
	wakeBudget       = 60 * time.Second
	wakePollInterval = 2 * time.Second
	apiPathPrefix    = "/api"
)

// reservedSubdomains are first labels that never name a tenant; requests
// under them pass through to the next handler (HTTP) or are closed (WS).
var reservedSubdomains = map[string]bool{
	"www": true, "api": true, "app": true, "admin": true, "dashboard": true, "auth": true,
}

var statusMessages = map[store.Status]string{
	store.StatusIdle:         "agent has not been started yet",
	store.StatusConfiguring:  "agent is being configured",
	store.StatusProvisioning: "agent is provisioning",
	store.StatusStarting:     "agent is starting",
	store.StatusRestarting:   "agent is restarting",
	store.StatusStopped:      "agent is stopped",
	store.StatusError:        "agent is in an error state",
}

// cacheEntry is a cached view of a deployment's routability.
type cacheEntry struct {
	port   int
	status store.Status
	at     time.Time
}

// Proxy routes subdomain-addressed requests to agent containers.
type Proxy struct {
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	log          *logging.Logger
	clk          clock.Clock

	mu    sync.RWMutex
	cache map[string]cacheEntry

	touchMu   sync.Mutex
	lastTouch map[string]time.Time

	wakeMu sync.Mutex
	waking map[string]*wakeCall
}

// wakeCall tracks a single in-flight wake attempt for a subdomain; done is
// closed once ok is safe to read, so concurrent callers can share one wake.
type wakeCall struct {
	done chan struct{}
	ok   bool
}

// New creates a Proxy. Secret decryption for a woken deployment happens
// inside Orchestrator.SpawnAgent, not here.
func New(st *store.Store, orch *orchestrator.Orchestrator, log *logging.Logger, clk clock.Clock) *Proxy {
	return &Proxy{
		store:        st,
		orchestrator: orch,
		log:          log,
		clk:          clk,
		cache:        make(map[string]cacheEntry),
		lastTouch:    make(map[string]time.Time),
		waking:       make(map[string]*wakeCall),
	}
}

// Handler wraps next: requests to a reserved/non-tenant host, or whose path
// begins with /api, are passed straight through; everything else is routed
// by subdomain.
func (p *Proxy) Handler(next http.Handler) http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, apiPathPrefix) {
			next.ServeHTTP(w, r)
			return
		}

		subdomain, ok := extractSubdomain(r.Host)
		if !ok || reservedSubdomains[subdomain] {
			if websocket.IsWebSocketUpgrade(r) {
				// No tenant subdomain: nothing to proxy the upgrade to.
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if websocket.IsWebSocketUpgrade(r) {
			p.serveWebSocket(w, r, subdomain, upgrader)
			return
		}
		p.serveHTTP(w, r, subdomain)
	})
}

// extractSubdomain implements the host-parsing rule: strip the port, split
// on '.'; ≥3 labels → first label; exactly 2 labels with the second being
// "localhost" → first label; otherwise no tenant subdomain.
func extractSubdomain(host string) (string, bool) {
	h := host
	if i := strings.LastIndex(h, ":"); i != -1 {
		h = h[:i]
	}
	labels := strings.Split(h, ".")
	switch {
	case len(labels) >= 3:
		return labels[0], true
	case len(labels) == 2 && labels[1] == "localhost":
		return labels[0], true
	default:
		return "", false
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func (p *Proxy) serveHTTP(w http.ResponseWriter, r *http.Request, subdomain string) {
	entry, err := p.resolve(r.Context(), subdomain)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, string(apperr.CodeDeploymentNotFound), "no deployment for this subdomain")
			return
		}
		p.log.Error("resolve deployment", "subdomain", subdomain, "error", err)
		writeJSONError(w, http.StatusInternalServerError, string(apperr.CodeRuntime), "internal error")
		return
	}

	if entry.status == store.StatusHealthy {
		p.touch(subdomain)
		p.forward(w, r, entry.port)
		return
	}

	if entry.status == store.StatusStopped || entry.status == store.StatusError {
		metrics.WakesTotal.WithLabelValues("attempted").Inc()
		if p.wake(r.Context(), subdomain) {
			metrics.WakesTotal.WithLabelValues("success").Inc()
			entry, err = p.resolveUncached(subdomain)
			if err == nil && entry.status == store.StatusHealthy {
				p.touch(subdomain)
				p.forward(w, r, entry.port)
				return
			}
		}
		metrics.WakesTotal.WithLabelValues("failure").Inc()
		writeJSONError(w, http.StatusServiceUnavailable, string(apperr.CodeAgentWaking), "agent is waking up, try again shortly")
		return
	}

	msg, ok := statusMessages[entry.status]
	if !ok {
		msg = "agent is not ready"
	}
	writeJSONError(w, http.StatusServiceUnavailable, string(apperr.CodeAgentNotReady), msg)
}

func (p *Proxy) serveWebSocket(w http.ResponseWriter, r *http.Request, subdomain string, upgrader websocket.Upgrader) {
	entry, err := p.resolve(r.Context(), subdomain)
	if err != nil || entry.status != store.StatusHealthy {
		http.Error(w, "agent not available", http.StatusServiceUnavailable)
		return
	}
	p.touch(subdomain)

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Warn("websocket upgrade failed", "subdomain", subdomain, "error", err)
		return
	}
	defer clientConn.Close()

	upstreamURL := fmt.Sprintf("ws://127.0.0.1:%d%s", entry.port, r.URL.RequestURI())
	dialer := websocket.Dialer{HandshakeTimeout: forwardTimeout}
	upstreamConn, _, err := dialer.Dial(upstreamURL, nil)
	if err != nil {
		p.log.Warn("websocket dial upstream failed", "subdomain", subdomain, "error", err)
		return
	}
	defer upstreamConn.Close()

	pumpWebSocket(clientConn, upstreamConn)
}

// pumpWebSocket relays frames between client and upstream until either
// side closes or errors.
func pumpWebSocket(client, upstream *websocket.Conn) {
	errs := make(chan error, 2)
	go func() { errs <- copyFrames(upstream, client) }()
	go func() { errs <- copyFrames(client, upstream) }()
	<-errs
}

func copyFrames(dst, src *websocket.Conn) error {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return err
		}
	}
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, port int) {
	client := &http.Client{Timeout: forwardTimeout}

	target := fmt.Sprintf("http://127.0.0.1:%d%s", port, r.URL.RequestURI())
	ctx, cancel := context.WithTimeout(r.Context(), forwardTimeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, string(apperr.CodeProxyError), "failed to build upstream request")
		return
	}
	outReq.Header = r.Header.Clone()

	metrics.ProxyRequestsTotal.WithLabelValues("attempted").Inc()
	start := p.clk.Now()
	resp, err := client.Do(outReq)
	metrics.ProxyForwardDuration.Observe(p.clk.Since(start).Seconds())
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues("upstream_error").Inc()
		writeJSONError(w, http.StatusBadGateway, string(apperr.CodeProxyError), "upstream connection failed")
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.Warn("copy upstream response body", "error", err)
	}
	metrics.ProxyRequestsTotal.WithLabelValues("forwarded").Inc()
}

// resolve returns the cached entry for subdomain if fresh, else re-reads
// persistence and repopulates the cache.
func (p *Proxy) resolve(ctx context.Context, subdomain string) (cacheEntry, error) {
	p.mu.RLock()
	entry, ok := p.cache[subdomain]
	fresh := ok && p.clk.Since(entry.at) < cacheTTL
	p.mu.RUnlock()
	if fresh {
		return entry, nil
	}
	return p.resolveUncached(subdomain)
}

func (p *Proxy) resolveUncached(subdomain string) (cacheEntry, error) {
	d, err := p.store.FindDeploymentBySubdomain(subdomain)
	if err != nil {
		return cacheEntry{}, err
	}
	entry := cacheEntry{port: d.InternalPort, status: d.Status, at: p.clk.Now()}
	p.mu.Lock()
	p.cache[subdomain] = entry
	p.mu.Unlock()
	return entry, nil
}

func (p *Proxy) invalidate(subdomain string) {
	p.mu.Lock()
	delete(p.cache, subdomain)
	p.mu.Unlock()
}

// touch fire-and-forgets an update of lastRequestAt, throttled to at most
// once per touchInterval per subdomain.
func (p *Proxy) touch(subdomain string) {
	now := p.clk.Now()
	p.touchMu.Lock()
	last, ok := p.lastTouch[subdomain]
	if ok && now.Sub(last) < touchInterval {
		p.touchMu.Unlock()
		return
	}
	p.lastTouch[subdomain] = now
	p.touchMu.Unlock()

	go func() {
		d, err := p.store.FindDeploymentBySubdomain(subdomain)
		if err != nil {
			p.log.Warn("touch: find deployment", "subdomain", subdomain, "error", err)
			return
		}
		if _, err := p.store.UpdateDeployment(d.ID, store.StatusHealthy, func(dep *store.Deployment) {
			t := p.clk.Now()
			dep.LastRequestAt = &t
		}); err != nil {
			p.log.Warn("touch: update deployment", "subdomain", subdomain, "error", err)
		}
	}()
}

// wake dedups concurrent wake attempts for subdomain and drives the
// spawn-then-poll sequence described in the auto-wake coordinator. Each
// caller, first or joining, waits on the same call's done channel.
func (p *Proxy) wake(ctx context.Context, subdomain string) bool {
	p.wakeMu.Lock()
	if call, ok := p.waking[subdomain]; ok {
		p.wakeMu.Unlock()
		<-call.done
		return call.ok
	}
	call := &wakeCall{done: make(chan struct{})}
	p.waking[subdomain] = call
	p.wakeMu.Unlock()

	call.ok = p.doWake(ctx, subdomain)

	p.wakeMu.Lock()
	delete(p.waking, subdomain)
	p.wakeMu.Unlock()
	close(call.done)

	return call.ok
}

func (p *Proxy) doWake(ctx context.Context, subdomain string) bool {
	d, err := p.store.FindDeploymentBySubdomain(subdomain)
	if err != nil {
		return false
	}
	if d.Status != store.StatusStopped && d.Status != store.StatusError {
		return false
	}

	p.log.Info("waking deployment", "deploymentId", d.ID, "subdomain", subdomain)

	if err := p.orchestrator.SpawnAgent(ctx, d.ID); err != nil {
		p.log.Warn("wake: spawn failed", "deploymentId", d.ID, "error", err)
		return false
	}

	deadline := p.clk.Now().Add(wakeBudget)
	for p.clk.Now().Before(deadline) {
		d, err := p.store.FindDeploymentByID(d.ID)
		if err != nil {
			return false
		}
		if d.Status == store.StatusHealthy && d.InternalPort != 0 {
			p.invalidate(subdomain)
			return true
		}
		if d.Status == store.StatusError {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-p.clk.After(wakePollInterval):
		}
	}
	return false
}

