package miner

import (
	"sync"
	"time"

	"github.com/PeterWem/coin-hive-stratum/internal/protocol"
	"github.com/PeterWem/coin-hive-stratum/internal/upstream"
	"github.com/PeterWem/coin-hive-stratum/pkg/logger"
)

// Donation is a variant Miner bound to its own Upstream Connection,
// with no downstream WebSocket of its own: its "downstream" is the
// host Miner, which periodically yields job time to it (§3, §4.3).
type Donation struct {
	address    string
	percentage float64
	clock      Clock
	log        *logger.Logger

	conn *upstream.Connection

	mu          sync.Mutex
	workerID    string
	currentJob  protocol.Job
	debt        time.Duration
	lastSettled time.Time
}

// NewDonation acquires cfg's Upstream Connection, registers itself on
// it, and logs in immediately (§4.3: "performs its own login upon
// Miner creation"). The login is sent from its own goroutine, so
// NewDonation does not wait for the donation pool to read it.
func NewDonation(cfg DonationConfig, pool *upstream.Pool, clock Clock, log *logger.Logger) (*Donation, error) {
	d := &Donation{
		address:    cfg.Address,
		percentage: cfg.Percentage,
		clock:      clock,
		log:        log,
	}

	conn, err := pool.Acquire(cfg.Host, cfg.Port, cfg.Pass, cfg.TLS, true, d)
	if err != nil {
		return nil, err
	}
	d.conn = conn
	d.lastSettled = clock()

	id := int64(0)
	up := protocol.LoginParams{Login: cfg.Address, Pass: cfg.Pass, Agent: "donation"}
	go func() {
		if _, err := conn.Send(d, upstream.KindLogin, protocol.MethodLogin, up, &id); err != nil {
			log.Error("donation login to %s failed: %v", conn.Key(), err)
		}
	}()
	return d, nil
}

// HandleUpstreamMessage implements UpstreamHandler. A Donation only
// ever expects its own login response back; submits routed through its
// connection during an active turn carry the host Miner as session, so
// they dispatch to the Miner instead (see Miner.handleSubmit).
func (d *Donation) HandleUpstreamMessage(kind upstream.RequestKind, msg protocol.Message) {
	if kind != upstream.KindLogin {
		return
	}
	if msg.Error != nil {
		d.log.Error("donation %s login rejected: %v", d.address, msg.Error)
		return
	}
	var result protocol.LoginResult
	if err := protocol.DecodeResult(msg.Result, &result); err != nil {
		d.log.Error("donation %s malformed login response: %v", d.address, err)
		return
	}

	d.mu.Lock()
	d.workerID = result.ID
	if result.Job != nil {
		d.currentJob = *result.Job
	}
	d.mu.Unlock()

	d.conn.RegisterWorker(d, result.ID)
}

// HandleUpstreamJob implements UpstreamHandler: an unsolicited job
// notification becomes this donation's current job.
func (d *Donation) HandleUpstreamJob(job protocol.Job) {
	d.mu.Lock()
	d.currentJob = job
	d.mu.Unlock()
}

// AccrueDebt adds percentage * elapsed-since-last-settlement to the
// donation's debt (§4.3).
func (d *Donation) AccrueDebt(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elapsed := now.Sub(d.lastSettled)
	if elapsed <= 0 {
		return
	}
	d.debt += time.Duration(float64(elapsed) * d.percentage)
	d.lastSettled = now
}

// Settle subtracts one job's duration from the debt once the donation
// has been given the turn (§4.3).
func (d *Donation) Settle(jobDuration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.debt -= jobDuration
}

// Debt returns the donation's current outstanding debt.
func (d *Donation) Debt() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.debt
}

// Job returns the donation's current job.
func (d *Donation) Job() protocol.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentJob
}

// WorkerID returns the worker id the pool issued this donation on login.
func (d *Donation) WorkerID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workerID
}

// Close unregisters the donation from its connection (§4.3: "destroyed
// when the Miner dies").
func (d *Donation) Close() {
	d.conn.Unregister(d)
}
