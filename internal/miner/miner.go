// Package miner implements the Miner and Donation sessions: the
// per-browser-client and per-donation-address state machines that sit
// between a downstream WebSocket and an upstream Connection.
package miner

import (
	"fmt"
	"sync"
	"time"

	"github.com/PeterWem/coin-hive-stratum/internal/difficulty"
	"github.com/PeterWem/coin-hive-stratum/internal/metrics"
	"github.com/PeterWem/coin-hive-stratum/internal/protocol"
	"github.com/PeterWem/coin-hive-stratum/internal/upstream"
	apperrors "github.com/PeterWem/coin-hive-stratum/pkg/errors"
	"github.com/PeterWem/coin-hive-stratum/pkg/logger"
)

// Clock is injected rather than read from time.Now directly, so
// donation debt accrual is deterministic under test (§1's "a wall
// clock" external collaborator).
type Clock func() time.Time

// UpstreamHandler is the capability an Upstream Connection dispatches
// through: both Miner and Donation implement it, and whatever wires a
// Pool's OnMessage/OnJob callbacks type-asserts the opaque
// upstream.Session back to this interface.
type UpstreamHandler interface {
	HandleUpstreamMessage(kind upstream.RequestKind, msg protocol.Message)
	HandleUpstreamJob(job protocol.Job)
}

// State is a Miner's lifecycle position (§3).
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

// DonationConfig describes one donation address to carve job time out
// for, as configured on the proxy (§6's `donations` option).
type DonationConfig struct {
	Address    string
	Host       string
	Port       int
	Pass       string
	TLS        bool
	Percentage float64
}

// Config is the subset of proxy-wide configuration a Miner needs.
type Config struct {
	Host            string
	Port            int
	Pass            string
	TLS             bool
	AddressOverride string
	UserOverride    string
	Diff            int64
	Donations       []DonationConfig

	// Metrics is optional; when nil, share and client counts simply
	// aren't aggregated anywhere outside the Miner's own Stats().
	Metrics *metrics.Collector
}

// Miner is one logical browser miner (§4.2): the downstream WebSocket,
// a back-reference to its Upstream Connection, and the donation
// sessions it owns.
type Miner struct {
	ws      Downstream
	pool    *upstream.Pool
	vardiff *difficulty.Vardiff
	cfg     Config
	clock   Clock
	log     *logger.Logger
	key     string

	mu             sync.Mutex
	state          State
	conn           *upstream.Connection
	workerID       string
	currentJob     protocol.Job
	lastJobAt      time.Time
	lastJobPeriod  time.Duration
	donations      []*Donation
	activeDonation *Donation
	accepted       uint64
	rejected       uint64

	clientMetrics *metrics.ClientMetrics
}

// New constructs a Miner bound to ws. It acquires the host Upstream
// Connection and every configured donation's connection immediately
// (§3: "Donation ... created when the Miner is created"), but does not
// start reading from ws; call Run for that.
func New(ws Downstream, cfg Config, pool *upstream.Pool, vardiff *difficulty.Vardiff, clock Clock, log *logger.Logger) (*Miner, error) {
	if clock == nil {
		clock = time.Now
	}
	m := &Miner{
		ws:            ws,
		pool:          pool,
		vardiff:       vardiff,
		cfg:           cfg,
		clock:         clock,
		log:           log,
		key:           ws.RemoteAddr(),
		clientMetrics: metrics.NewClientMetrics(),
	}

	conn, err := pool.Acquire(cfg.Host, cfg.Port, cfg.Pass, cfg.TLS, false, m)
	if err != nil {
		return nil, err
	}
	m.conn = conn

	vardiff.AddSession(m.key)
	if cfg.Metrics != nil {
		cfg.Metrics.IncrementClients()
	}

	for _, dc := range cfg.Donations {
		d, err := NewDonation(dc, pool, clock, log)
		if err != nil {
			m.log.Error("donation %s unavailable: %v", dc.Address, err)
			continue
		}
		m.donations = append(m.donations, d)
	}

	return m, nil
}

// Run reads downstream messages until the socket closes or fails,
// dispatching each to the matching handler. It returns once the Miner
// is closed, by either direction.
func (m *Miner) Run() {
	defer m.Close()
	for {
		msg, err := m.ws.ReadMessage()
		if err != nil {
			return
		}
		m.dispatchDownstream(msg)
	}
}

func (m *Miner) dispatchDownstream(msg protocol.Message) {
	switch msg.Method {
	case protocol.MethodLogin:
		m.handleLogin(msg)
	case protocol.MethodSubmit:
		m.handleSubmit(msg)
	case protocol.MethodKeepalived:
		m.handleKeepalive(msg)
	}
}

// handleLogin builds the upstream login (§4.2's identity rewriting)
// and forwards it; the response is relayed once HandleUpstreamMessage
// sees it come back.
func (m *Miner) handleLogin(msg protocol.Message) {
	var params protocol.LoginParams
	if err := protocol.DecodeParams(msg.Params, &params); err != nil {
		m.replyError(msg.ID, "malformed login")
		return
	}

	m.mu.Lock()
	if m.state != StateUnauthenticated {
		m.mu.Unlock()
		return
	}
	m.state = StateAuthenticating
	conn := m.conn
	m.mu.Unlock()

	login := params.Login
	if m.cfg.AddressOverride != "" {
		login = m.cfg.AddressOverride
		if m.cfg.UserOverride != "" {
			login = login + "." + m.cfg.UserOverride
		}
	}

	up := protocol.LoginParams{Login: login, Pass: m.cfg.Pass, Agent: params.Agent}
	if _, err := conn.Send(m, upstream.KindLogin, protocol.MethodLogin, up, msg.ID); err != nil {
		m.replyError(msg.ID, "login failed")
	}
}

// handleSubmit attaches the stored workerId, routes through the active
// donation's connection if one currently owns the turn (§4.3's
// invariant), and forwards. A submit before login completes fails
// locally (§4.2, §7's unauthenticated-submit).
func (m *Miner) handleSubmit(msg protocol.Message) {
	var params protocol.SubmitParams
	if err := protocol.DecodeParams(msg.Params, &params); err != nil {
		m.replyError(msg.ID, "malformed submit")
		return
	}

	m.mu.Lock()
	if m.workerID == "" {
		m.mu.Unlock()
		m.log.Error("%v", apperrors.New(apperrors.CodeUnauthenticatedSubmit, "submit before login completed"))
		m.replyError(msg.ID, "unauthenticated")
		return
	}
	target := m.conn
	workerID := m.workerID
	jobID := m.currentJob.JobID
	if m.activeDonation != nil {
		target = m.activeDonation.conn
		workerID = m.activeDonation.WorkerID()
		jobID = m.activeDonation.Job().JobID
	}
	m.mu.Unlock()

	up := protocol.SubmitParams{ID: workerID, JobID: jobID, Nonce: params.Nonce, Result: params.Result}
	if _, err := target.Send(m, upstream.KindSubmit, protocol.MethodSubmit, up, msg.ID); err != nil {
		m.replyError(msg.ID, "submit failed")
	}
}

// handleKeepalive acks a client keepalive locally; it never touches
// the upstream connection. SendKeepalive (driven by an external timer)
// is what actually keeps the pool socket alive.
func (m *Miner) handleKeepalive(msg protocol.Message) {
	m.ws.WriteMessage(protocol.NewResult(msg.ID, protocol.KeepalivedResult{Status: protocol.StatusKeepalived}))
}

// SendKeepalive forwards a keepalive to the pool on the stored worker
// id. Intended to be called periodically by whatever owns the wall
// clock (§4.2's "periodic downstream no-op ... forwarded upstream").
func (m *Miner) SendKeepalive() {
	m.mu.Lock()
	workerID := m.workerID
	conn := m.conn
	m.mu.Unlock()
	if workerID == "" {
		return
	}
	id := int64(0)
	conn.Send(m, upstream.KindKeepalive, protocol.MethodKeepalived, protocol.KeepalivedParams{ID: workerID}, &id)
}

// HandleUpstreamMessage implements UpstreamHandler.
func (m *Miner) HandleUpstreamMessage(kind upstream.RequestKind, msg protocol.Message) {
	switch kind {
	case upstream.KindLogin:
		m.handleLoginResponse(msg)
	case upstream.KindSubmit:
		m.handleSubmitResponse(msg)
	case upstream.KindKeepalive:
		// no downstream counterpart; the client already got its ack.
	}
}

func (m *Miner) handleLoginResponse(msg protocol.Message) {
	if msg.Error != nil {
		m.mu.Lock()
		m.state = StateUnauthenticated
		m.mu.Unlock()
		m.ws.WriteMessage(msg)
		return
	}

	var result protocol.LoginResult
	if err := protocol.DecodeResult(msg.Result, &result); err != nil {
		m.replyError(msg.ID, "malformed login response")
		return
	}

	m.mu.Lock()
	m.workerID = result.ID
	m.state = StateActive
	m.mu.Unlock()
	m.conn.RegisterWorker(m, result.ID)

	if result.Job != nil {
		out := m.updateCurrentJob(m.applyDifficulty(*result.Job))
		result.Job = &out
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.SetLastNotify(m.clock())
		}
	}
	m.ws.WriteMessage(protocol.NewResult(msg.ID, result))
}

func (m *Miner) handleSubmitResponse(msg protocol.Message) {
	accepted := msg.Error == nil
	diff := float64(m.cfg.Diff)
	if diff <= 0 {
		diff = m.vardiff.CurrentDifficulty(m.key)
	}
	m.vardiff.RecordShare(m.key, accepted, diff)

	if accepted {
		m.mu.Lock()
		m.accepted++
		m.mu.Unlock()
		m.clientMetrics.IncrementOK()
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.IncrementSharesOK()
		}
	} else {
		m.mu.Lock()
		m.rejected++
		m.mu.Unlock()
		m.clientMetrics.IncrementBad()
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.IncrementSharesBad()
		}
		m.log.Error("%v", apperrors.New(apperrors.CodeUpstreamRejectedShare, fmt.Sprintf("upstream rejected share from %s: %v", m.key, msg.Error)))
	}
	m.ws.WriteMessage(msg)
}

// HandleUpstreamJob implements UpstreamHandler: an unsolicited job
// notification becomes the miner's current job, possibly superseded by
// a donation's job if one wins the turn (§4.3).
func (m *Miner) HandleUpstreamJob(job protocol.Job) {
	out := m.updateCurrentJob(m.applyDifficulty(job))
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SetLastNotify(m.clock())
	}
	m.ws.WriteMessage(protocol.Message{Method: protocol.MethodJob, Params: out})
}

// applyDifficulty rewrites job.Target per the configured fixed diff, or
// the adaptive retargeter when no fixed diff is set (§4.2).
func (m *Miner) applyDifficulty(job protocol.Job) protocol.Job {
	if m.cfg.Diff > 0 {
		job.Target = difficulty.TargetForDifficulty(m.cfg.Diff)
		return job
	}
	if d := m.vardiff.CurrentDifficulty(m.key); d > 0 {
		job.Target = difficulty.TargetForDifficulty(int64(d))
	}
	return job
}

// updateCurrentJob records job as current and decides which job should
// actually be delivered downstream: job itself, unless a donation has
// earned the turn (§4.3), in which case its job is returned instead.
// Turn boundaries are defined by this call, one per job delivered.
func (m *Miner) updateCurrentJob(job protocol.Job) protocol.Job {
	now := m.clock()

	m.mu.Lock()
	if !m.lastJobAt.IsZero() {
		m.lastJobPeriod = now.Sub(m.lastJobAt)
	}
	m.lastJobAt = now
	m.currentJob = job
	period := m.lastJobPeriod
	donations := m.donations
	m.mu.Unlock()

	for _, d := range donations {
		d.AccrueDebt(now)
	}

	winner := selectDonationTurn(donations, period)

	m.mu.Lock()
	m.activeDonation = winner
	m.mu.Unlock()

	if winner == nil {
		return job
	}
	winner.Settle(period)
	return winner.Job()
}

// selectDonationTurn picks the donation with the largest debt that has
// accumulated at least one job period of debt, breaking ties by
// insertion order (§4.3). period of zero (no job delivered yet) means
// no donation can have earned a turn.
func selectDonationTurn(donations []*Donation, period time.Duration) *Donation {
	if period <= 0 {
		return nil
	}
	var best *Donation
	var bestDebt time.Duration
	for _, d := range donations {
		debt := d.Debt()
		if debt < period {
			continue
		}
		if best == nil || debt > bestDebt {
			best = d
			bestDebt = debt
		}
	}
	return best
}

func (m *Miner) replyError(id *int64, reason string) {
	m.ws.WriteMessage(protocol.NewError(id, reason))
}

// Stats returns the accepted/rejected share counters (§3's data model).
func (m *Miner) Stats() (accepted, rejected uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted, m.rejected
}

// Close implements the Miner side of §4.2's close contract: mark
// closed, unregister from the Upstream Connection, destroy donations.
func (m *Miner) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	donations := m.donations
	m.donations = nil
	m.mu.Unlock()

	m.conn.Unregister(m)
	m.vardiff.RemoveSession(m.key)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.DecrementClients()
	}
	m.ws.Close()

	for _, d := range donations {
		d.Close()
	}
}
