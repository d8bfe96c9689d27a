// Package proxy implements the Connection Pool / Proxy entry point
// (§4.4): the WebSocket + HTTP(S) front door that accepts browser
// miners, binds each to an Upstream Connection via internal/upstream,
// and exposes aggregate stats.
package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PeterWem/coin-hive-stratum/internal/config"
	"github.com/PeterWem/coin-hive-stratum/internal/difficulty"
	"github.com/PeterWem/coin-hive-stratum/internal/metrics"
	"github.com/PeterWem/coin-hive-stratum/internal/miner"
	"github.com/PeterWem/coin-hive-stratum/internal/protocol"
	"github.com/PeterWem/coin-hive-stratum/internal/ratelimit"
	"github.com/PeterWem/coin-hive-stratum/internal/upstream"
	"github.com/PeterWem/coin-hive-stratum/pkg/logger"
)

// Proxy is the process-wide front door: one Pool of Upstream
// Connections shared by every Miner it accepts, grounded on the
// teacher's own Proxy (AcceptLoop/ClientLoop/HttpServe) with the raw
// TCP accept loop replaced by a WebSocket upgrade loop.
type Proxy struct {
	cfg     config.Config
	pool    *upstream.Pool
	vardiff *difficulty.Vardiff
	limiter *ratelimit.Limiter
	metrics *metrics.Collector
	log     *logger.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu     sync.Mutex
	miners map[*miner.Miner]struct{}

	stopCh chan struct{}
}

// New constructs a Proxy. dial is the external factory the core
// consumes for opening upstream TCP/TLS sockets (§1); it is out of
// scope for this package and supplied by cmd/coinhive-proxy.
func New(cfg config.Config, dial upstream.DialFunc, log *logger.Logger) *Proxy {
	pool := upstream.NewPool(upstream.PoolConfig{
		MaxPerRole: cfg.MaxMinersPerConnection,
	}, dial, log)

	prom := metrics.InitPrometheus("coinhive_proxy")

	p := &Proxy{
		cfg:     cfg,
		pool:    pool,
		vardiff: difficulty.NewVardiff(cfg.Vardiff),
		limiter: ratelimit.NewLimiter(&cfg.Ratelimit),
		metrics: metrics.NewCollector(prom),
		log:     log,
		miners:  make(map[*miner.Miner]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		stopCh: make(chan struct{}),
	}

	pool.OnMessage = func(session upstream.Session, kind upstream.RequestKind, msg protocol.Message) {
		if h, ok := session.(miner.UpstreamHandler); ok {
			h.HandleUpstreamMessage(kind, msg)
		}
	}
	pool.OnJob = func(session upstream.Session, job protocol.Job) {
		if h, ok := session.(miner.UpstreamHandler); ok {
			h.HandleUpstreamJob(job)
		}
	}

	return p
}

// Listen binds the HTTP(S) server at addr, mounting the WebSocket
// acceptor at cfg.Path, GET /stats, and GET /metrics (§4.4, §6). It
// blocks until the server stops; callers typically run it in its own
// goroutine.
func (p *Proxy) Listen(addr string) error {
	p.httpServer = &http.Server{Addr: addr, Handler: p.Handler()}

	if p.cfg.Key != "" && p.cfg.Cert != "" {
		p.log.Info("proxy: listening on %s (TLS enabled)", addr)
		return p.httpServer.ListenAndServeTLS(p.cfg.Cert, p.cfg.Key)
	}
	p.log.Info("proxy: listening on %s", addr)
	return p.httpServer.ListenAndServe()
}

// Handler returns the mux Listen serves, exposed separately so tests
// can drive it through httptest without binding a real listener.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(p.cfg.Path, p.handleWebSocket)
	mux.HandleFunc("/stats", p.handleStats)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (p *Proxy) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !p.limiter.AllowConnection(r.RemoteAddr) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.limiter.ReleaseConnection(r.RemoteAddr)
		p.log.Error("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	mcfg := p.minerConfig(r)
	ws := newWSDownstream(conn, r.RemoteAddr)

	m, err := miner.New(ws, mcfg, p.pool, p.vardiff, time.Now, p.log)
	if err != nil {
		p.log.Error("miner setup for %s failed: %v", r.RemoteAddr, err)
		conn.Close()
		p.limiter.ReleaseConnection(r.RemoteAddr)
		return
	}

	p.mu.Lock()
	p.miners[m] = struct{}{}
	p.mu.Unlock()

	go func() {
		m.Run()
		p.mu.Lock()
		delete(p.miners, m)
		p.mu.Unlock()
		p.limiter.ReleaseConnection(r.RemoteAddr)
	}()
}

// minerConfig builds the Config a new Miner needs, honoring a
// per-connection dynamic pool override (§4.4's "Dynamic pool").
func (p *Proxy) minerConfig(r *http.Request) miner.Config {
	host, port, pass, tls := p.cfg.Host, p.cfg.Port, p.cfg.Pass, p.cfg.SSL

	if p.cfg.DynamicPool {
		if raw := r.URL.Query().Get("pool"); raw != "" {
			if h, pt, ps, ok := parseDynamicPool(raw); ok {
				if h != "" {
					host = h
				}
				if pt != 0 {
					port = pt
				}
				if ps != "" {
					pass = ps
				}
			}
		}
	}

	donations := make([]miner.DonationConfig, 0, len(p.cfg.Donations))
	for _, d := range p.cfg.Donations {
		donations = append(donations, miner.DonationConfig{
			Address:    d.Address,
			Host:       d.Host,
			Port:       d.Port,
			Pass:       d.Pass,
			TLS:        d.SSL,
			Percentage: d.Percentage,
		})
	}

	return miner.Config{
		Host:            host,
		Port:            port,
		Pass:            pass,
		TLS:             tls,
		AddressOverride: p.cfg.Address,
		UserOverride:    p.cfg.User,
		Diff:            p.cfg.Diff,
		Donations:       donations,
		Metrics:         p.metrics,
	}
}

// parseDynamicPool parses the "host:port:pass" query value (§4.4).
// Each field is optional; an empty field leaves the configured default
// in place (handled by the caller, which only overrides non-empty
// results).
func parseDynamicPool(raw string) (host string, port int, pass string, ok bool) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) == 0 {
		return "", 0, "", false
	}
	host = parts[0]
	if len(parts) > 1 && parts[1] != "" {
		p, err := strconv.Atoi(parts[1])
		if err != nil {
			return "", 0, "", false
		}
		port = p
	}
	if len(parts) > 2 {
		pass = parts[2]
	}
	return host, port, pass, true
}

func (p *Proxy) handleStats(w http.ResponseWriter, r *http.Request) {
	miners, connections := p.pool.Stats()
	p.metrics.SetUpstreamConnected(connections > 0)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"miners":      miners,
		"connections": connections,
	})
}

// PurgeLoop runs the purge timer described in §4.4: every
// cfg.PurgeInterval milliseconds, retain at most one empty connection
// per key. An interval of 0 disables the loop entirely.
func (p *Proxy) PurgeLoop() {
	if p.cfg.PurgeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(p.cfg.PurgeInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pool.Purge()
		}
	}
}

// VardiffLoop periodically retargets every tracked session's locally
// presented difficulty (§4.2's supplemented adaptive difficulty).
func (p *Proxy) VardiffLoop() {
	if !p.cfg.Vardiff.Enabled || p.cfg.Vardiff.AdjustEveryMs <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(p.cfg.Vardiff.AdjustEveryMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.vardiff.AdjustAll()
		}
	}
}

// KeepaliveLoop drives each active Miner's upstream-bound keepalive on
// the configured interval (§4.2's "periodic downstream no-op").
func (p *Proxy) KeepaliveLoop() {
	interval := p.cfg.KeepaliveIntervalSeconds
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			for m := range p.miners {
				m.SendKeepalive()
			}
			p.mu.Unlock()
		}
	}
}

// Kill tears down every upstream connection and miner and stops the
// acceptor (§4.4's kill contract).
func (p *Proxy) Kill() {
	close(p.stopCh)

	if p.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.httpServer.Shutdown(ctx)
	}

	p.mu.Lock()
	miners := make([]*miner.Miner, 0, len(p.miners))
	for m := range p.miners {
		miners = append(miners, m)
	}
	p.miners = make(map[*miner.Miner]struct{})
	p.mu.Unlock()

	for _, m := range miners {
		m.Close()
	}
	p.pool.Kill()
}
