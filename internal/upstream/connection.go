// Package upstream implements the pool side of the proxy: one
// multiplexed TCP/TLS session per pool (Connection) and the keyed
// pool of such sessions (Pool).
package upstream

import (
	"errors"
	"fmt"
	"net"
	"sync"

	apperrors "github.com/PeterWem/coin-hive-stratum/pkg/errors"
	"github.com/PeterWem/coin-hive-stratum/pkg/logger"

	"github.com/PeterWem/coin-hive-stratum/internal/protocol"
)

// Session is a comparable handle a Miner or Donation session registers
// itself under. Upstream never dereferences it; it only uses it as a
// map key and as the argument to its own callbacks, keeping Connection
// free of any dependency on internal/miner (a non-owning back
// reference, per the design notes on cyclic references).
type Session = interface{}

// RequestKind identifies what an outstanding request was for, so a
// session's OnMessage callback can tell a login response from a
// submit response without inspecting response shape.
type RequestKind int

const (
	KindLogin RequestKind = iota
	KindSubmit
	KindKeepalive
)

type pendingEntry struct {
	session    Session
	originalID *int64
	kind       RequestKind
}

// Config holds the subset of proxy configuration a single Connection needs.
type Config struct {
	Host               string
	Port               int
	Pass               string
	TLS                bool
	InsecureSkipVerify bool
	ReadBuf            int
	WriteBuf           int
	MaxPerRole         int
}

// Connection is one multiplexed TCP/TLS session to a pool (§4.1). It
// owns its socket and both registries exclusively; the only state
// touched from other goroutines is guarded by mu.
type Connection struct {
	cfg      Config
	key      string
	donation bool
	dial     DialFunc
	log      *logger.Logger

	OnMessage func(session Session, kind RequestKind, msg protocol.Message)
	OnJob     func(session Session, job protocol.Job)
	OnClose   func()
	OnError   func(err error)

	mu          sync.Mutex
	conn        net.Conn
	codec       *protocol.LineCodec
	closed      bool
	reqID       int64
	pending     map[int64]pendingEntry
	miners      map[Session]struct{}
	donations   map[Session]struct{}
	workerIndex map[string]Session
}

// New constructs a Connection for the given key ("host:port"). It does
// not dial; call Dial to open the socket and start the read loop.
func New(key string, cfg Config, donation bool, dial DialFunc, log *logger.Logger) *Connection {
	return &Connection{
		cfg:         cfg,
		key:         key,
		donation:    donation,
		dial:        dial,
		log:         log,
		pending:     make(map[int64]pendingEntry),
		miners:      make(map[Session]struct{}),
		donations:   make(map[Session]struct{}),
		workerIndex: make(map[string]Session),
	}
}

// Key returns the "host:port" this connection is pooled under.
func (c *Connection) Key() string { return c.key }

// IsDonation reports whether this connection was opened for a
// Donation session rather than a regular Miner (§4.4 stats: donation
// connections are excluded from the connections count).
func (c *Connection) IsDonation() bool { return c.donation }

// Dial opens the socket and starts the read loop. It is not
// idempotent: calling it twice on an already-open connection replaces
// the socket without draining the old one's pending requests.
func (c *Connection) Dial() error {
	conn, err := c.dial(c.cfg.Host, c.cfg.Port, c.cfg.TLS, c.cfg.InsecureSkipVerify)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.codec = protocol.NewLineCodec(conn, c.cfg.ReadBuf, c.cfg.WriteBuf)
	c.closed = false
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// IsConnected reports whether the connection currently has a live socket.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// HasCapacity reports whether the given role (donation or miner) can
// accept one more session under this connection. Per the resolved
// open question, the two roles are capped independently rather than
// by their sum.
func (c *Connection) HasCapacity(donation bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if donation {
		return len(c.donations) < c.cfg.MaxPerRole
	}
	return len(c.miners) < c.cfg.MaxPerRole
}

// Register adds session to the connection's miners or donations
// registry for capacity accounting (§3 invariant on registry
// membership). Callers must have already checked HasCapacity; Register
// itself asserts it rather than silently over-admitting, matching the
// capacity-exceeded-on-create error kind that "never occurs by
// construction but is asserted" (§7).
func (c *Connection) Register(session Session, donation bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.miners
	if donation {
		set = c.donations
	}
	if len(set) >= c.cfg.MaxPerRole {
		return apperrors.New(apperrors.CodeCapacityExceededOnCreate, "connection at capacity for role")
	}
	set[session] = struct{}{}
	return nil
}

// Unregister removes session from both registries and any pending
// request or worker-index entries referencing it, so its footprint on
// the connection is removed atomically (§3 invariant).
func (c *Connection) Unregister(session Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.miners, session)
	delete(c.donations, session)
	for id, req := range c.pending {
		if req.session == session {
			delete(c.pending, id)
		}
	}
	for worker, s := range c.workerIndex {
		if s == session {
			delete(c.workerIndex, worker)
		}
	}
}

// RegisterWorker records the opaque worker id the pool issued session
// on login, used to route unsolicited "job" notifications by
// params.id (§4.1's "unsolicited notifications").
func (c *Connection) RegisterWorker(session Session, workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workerIndex[workerID] = session
}

// SessionCount returns the number of registered miner and donation
// sessions, for pool-level stats aggregation.
func (c *Connection) SessionCount() (miners, donations int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.miners), len(c.donations)
}

// Send writes a JSON-RPC request upstream on behalf of session,
// rewriting its id to one unique to this connection and recording the
// mapping needed to restore the original id and dispatch the response
// (§4.1's "ID rewriting"). There is no outbound queue: the write
// happens before Send returns, so Send blocks until the socket accepts
// the line.
func (c *Connection) Send(session Session, kind RequestKind, method string, params interface{}, origID *int64) (int64, error) {
	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return 0, apperrors.New(apperrors.CodeSocketClosed, "upstream not connected")
	}
	c.reqID++
	internalID := c.reqID
	c.pending[internalID] = pendingEntry{session: session, originalID: protocol.CopyID(origID), kind: kind}
	codec := c.codec
	c.mu.Unlock()

	id := internalID
	msg := protocol.NewRequest(&id, method, params)
	if err := codec.WriteMessage(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, internalID)
		c.mu.Unlock()
		return 0, apperrors.Wrap(apperrors.CodeSocketError, "write to upstream failed", err)
	}
	return internalID, nil
}

// Close tears the socket down, fails every pending mapping locally,
// and fires OnClose. Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int64]pendingEntry)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	failure := protocol.NewError(nil, "upstream connection closed")
	for _, req := range pending {
		failure.ID = req.originalID
		if c.OnMessage != nil {
			c.OnMessage(req.session, req.kind, failure)
		}
	}
	if c.OnClose != nil {
		c.OnClose()
	}
}

// readLoop is the connection's only reader (§5). It holds mu only to
// look up and remove a pending or worker-index entry, never for the
// duration of a dispatch; Send, Register, Unregister and RegisterWorker
// change the same registries from other goroutines under mu.
func (c *Connection) readLoop() {
	for {
		msg, err := c.codec.ReadMessage()
		if err != nil {
			if isMalformed(err) {
				c.log.Error("%v", apperrors.Wrap(apperrors.CodeMalformedMessage, "malformed message from "+c.key, err))
				continue
			}
			c.handleFailure(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Connection) dispatch(msg protocol.Message) {
	if msg.IsNotification() {
		c.dispatchNotification(msg)
		return
	}
	if msg.ID == nil {
		return
	}
	c.mu.Lock()
	req, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Error("%v", apperrors.New(apperrors.CodeUnknownResponseID, fmt.Sprintf("unknown response id from %s: %d", c.key, *msg.ID)))
		return
	}
	msg.ID = req.originalID
	if c.OnMessage != nil {
		c.OnMessage(req.session, req.kind, msg)
	}
}

// jobNotificationParams is the wire shape of an unsolicited upstream
// "job" notification: the pool's job fields plus the worker id the
// job is addressed to, so the connection can route it (§4.1).
type jobNotificationParams struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Blob   string `json:"blob"`
	Target string `json:"target"`
}

func (c *Connection) dispatchNotification(msg protocol.Message) {
	if msg.Method != protocol.MethodJob {
		return
	}
	var params jobNotificationParams
	if err := protocol.DecodeParams(msg.Params, &params); err != nil {
		c.log.Error("%v", apperrors.Wrap(apperrors.CodeMalformedMessage, "malformed job notification from "+c.key, err))
		return
	}
	if params.ID == "" {
		return
	}

	c.mu.Lock()
	session, ok := c.workerIndex[params.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if c.OnJob != nil {
		c.OnJob(session, protocol.Job{JobID: params.JobID, Blob: params.Blob, Target: params.Target})
	}
}

func (c *Connection) handleFailure(err error) {
	c.log.Error("upstream %s failed: %v", c.key, err)
	c.Close()
	if c.OnError != nil {
		c.OnError(apperrors.Wrap(apperrors.CodeSocketClosed, "upstream read failed", err))
	}
}

func isMalformed(err error) bool {
	var merr *protocol.MalformedMessageError
	return errors.As(err, &merr)
}
