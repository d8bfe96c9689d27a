package proxy

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PeterWem/coin-hive-stratum/internal/config"
	"github.com/PeterWem/coin-hive-stratum/internal/protocol"
	"github.com/PeterWem/coin-hive-stratum/pkg/logger"
)

// mockUpstream is a minimal line-delimited JSON pool: it answers a
// login with a worker id and an initial job, and acks every submit.
type mockUpstream struct {
	listener net.Listener
}

func newMockUpstream(t *testing.T) *mockUpstream {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start mock upstream: %v", err)
	}
	m := &mockUpstream{listener: l}
	go m.serve()
	return m
}

func (m *mockUpstream) addr() (string, int) {
	host, portStr, _ := net.SplitHostPort(m.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (m *mockUpstream) serve() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		go m.handle(conn)
	}
}

func (m *mockUpstream) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}

		var resp protocol.Message
		switch msg.Method {
		case protocol.MethodLogin:
			resp = protocol.NewResult(msg.ID, protocol.LoginResult{
				ID:  "worker-1",
				Job: &protocol.Job{JobID: "job-1", Blob: "abcd", Target: "ffffffff"},
			})
		case protocol.MethodSubmit:
			resp = protocol.NewResult(msg.ID, protocol.SubmitResult{Status: "OK"})
		default:
			continue
		}

		out, _ := json.Marshal(resp)
		out = append(out, '\n')
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (m *mockUpstream) Close() { m.listener.Close() }

func dialPlain(host string, port int, useTLS, insecureSkipVerify bool) (net.Conn, error) {
	return net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

func TestEndToEndLoginAndSubmit(t *testing.T) {
	upstreamSrv := newMockUpstream(t)
	defer upstreamSrv.Close()
	host, port := upstreamSrv.addr()

	cfg := config.Default()
	cfg.Host = host
	cfg.Port = port

	p := New(cfg, dialPlain, logger.New())

	httpSrv := httptest.NewServer(p.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}
	defer conn.Close()

	loginID := int64(1)
	login := protocol.NewRequest(&loginID, protocol.MethodLogin, protocol.LoginParams{Login: "wallet.worker", Pass: "x"})
	if err := conn.WriteJSON(login); err != nil {
		t.Fatalf("failed to write login: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var loginResp protocol.Message
	if err := conn.ReadJSON(&loginResp); err != nil {
		t.Fatalf("failed to read login response: %v", err)
	}
	var result protocol.LoginResult
	if err := protocol.DecodeResult(loginResp.Result, &result); err != nil {
		t.Fatalf("failed to decode login result: %v", err)
	}
	if result.ID != "worker-1" {
		t.Errorf("ID = %q, want worker-1", result.ID)
	}
	if result.Job == nil || result.Job.JobID != "job-1" {
		t.Errorf("unexpected job in login response: %+v", result.Job)
	}

	submitID := int64(2)
	submit := protocol.NewRequest(&submitID, protocol.MethodSubmit, protocol.SubmitParams{Nonce: "1", Result: "2"})
	if err := conn.WriteJSON(submit); err != nil {
		t.Fatalf("failed to write submit: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var submitResp protocol.Message
	if err := conn.ReadJSON(&submitResp); err != nil {
		t.Fatalf("failed to read submit response: %v", err)
	}
	if submitResp.Error != nil {
		t.Errorf("expected submit to be accepted, got error: %v", submitResp.Error)
	}

	miners, connections := statsFor(t, httpSrv.URL)
	if miners != 1 || connections != 1 {
		t.Errorf("pool stats: miners=%d connections=%d, want 1 and 1", miners, connections)
	}
}

func statsFor(t *testing.T, baseURL string) (miners, connections int) {
	resp, err := http.Get(baseURL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats failed: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Miners      int `json:"miners"`
		Connections int `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding /stats response: %v", err)
	}
	return body.Miners, body.Connections
}

func TestRateLimitRejectsUpgradeOverCap(t *testing.T) {
	upstreamSrv := newMockUpstream(t)
	defer upstreamSrv.Close()
	host, port := upstreamSrv.addr()

	cfg := config.Default()
	cfg.Host = host
	cfg.Port = port
	cfg.Ratelimit.Enabled = true
	cfg.Ratelimit.MaxConnectionsPerMinute = 1
	cfg.Ratelimit.BanDurationSeconds = 60
	cfg.Ratelimit.CleanupIntervalSeconds = 60

	p := New(cfg, dialPlain, logger.New())
	httpSrv := httptest.NewServer(p.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("first upgrade should have been allowed: %v", err)
	}
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected the second upgrade to be rejected by the rate limiter")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %v", resp)
	}
}
