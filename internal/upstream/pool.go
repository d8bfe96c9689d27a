package upstream

import (
	"fmt"
	"sync"

	"github.com/PeterWem/coin-hive-stratum/internal/protocol"
	"github.com/PeterWem/coin-hive-stratum/pkg/logger"
)

// PoolConfig holds connection-wide tuning shared by every Connection
// the Pool dials.
type PoolConfig struct {
	ReadBuf            int
	WriteBuf           int
	MaxPerRole         int
	InsecureSkipVerify bool
}

// Pool is the keyed mapping from "host:port" to an ordered sequence of
// Upstream Connections (§3, §4.4). It is the only owner of that
// mapping; Connections own their own sockets and registries.
type Pool struct {
	cfg  PoolConfig
	dial DialFunc
	log  *logger.Logger

	// OnMessage and OnJob are installed on every Connection this Pool
	// dials, so a single dispatcher (owned by whoever wires up Miner
	// and Donation sessions) serves every upstream socket the proxy
	// holds open. Left nil, Connections simply drop what they'd
	// dispatch.
	OnMessage func(session Session, kind RequestKind, msg protocol.Message)
	OnJob     func(session Session, job protocol.Job)

	mu          sync.Mutex
	connections map[string][]*Connection
}

// NewPool constructs an empty pool. dial is the external factory that
// opens upstream TCP/TLS sockets (§1's "out of scope" collaborator).
func NewPool(cfg PoolConfig, dial DialFunc, log *logger.Logger) *Pool {
	return &Pool{
		cfg:         cfg,
		dial:        dial,
		log:         log,
		connections: make(map[string][]*Connection),
	}
}

func key(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// Acquire implements §4.4's selection policy: within a key, return the
// last connection whose role (donation) has capacity (LIFO on
// availability); if none, dial a new one, append it, and return it.
// session is registered onto the chosen connection atomically with
// selection so two concurrent callers can never both land on the same
// connection past its cap.
func (p *Pool) Acquire(host string, port int, pass string, useTLS bool, donation bool, session Session) (*Connection, error) {
	k := key(host, port)

	p.mu.Lock()
	conns := p.connections[k]
	for i := len(conns) - 1; i >= 0; i-- {
		if conns[i].HasCapacity(donation) {
			conn := conns[i]
			if err := conn.Register(session, donation); err != nil {
				p.mu.Unlock()
				return nil, err
			}
			p.mu.Unlock()
			return conn, nil
		}
	}

	conn := New(k, Config{
		Host:               host,
		Port:               port,
		Pass:               pass,
		TLS:                useTLS,
		InsecureSkipVerify: p.cfg.InsecureSkipVerify,
		ReadBuf:            p.cfg.ReadBuf,
		WriteBuf:           p.cfg.WriteBuf,
		MaxPerRole:         p.cfg.MaxPerRole,
	}, donation, p.dial, p.log)
	conn.OnMessage = p.OnMessage
	conn.OnJob = p.OnJob
	conn.OnClose = func() { p.Remove(k, conn) }
	p.connections[k] = append(p.connections[k], conn)
	p.mu.Unlock()

	if err := conn.Dial(); err != nil {
		p.Remove(k, conn)
		return nil, err
	}
	if err := conn.Register(session, donation); err != nil {
		return nil, err
	}
	return conn, nil
}

// Remove drops conn from key's sequence, e.g. once it has closed.
func (p *Pool) Remove(key string, conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.connections[key]
	for i, c := range conns {
		if c == conn {
			p.connections[key] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(p.connections[key]) == 0 {
		delete(p.connections, key)
	}
}

// Purge retains at most one empty connection per key and kills the
// rest (§4.4's purge policy).
func (p *Pool) Purge() {
	p.mu.Lock()
	var toKill []*Connection
	for k, conns := range p.connections {
		var empty []*Connection
		var keep []*Connection
		for _, c := range conns {
			miners, donations := c.SessionCount()
			if miners == 0 && donations == 0 {
				empty = append(empty, c)
			} else {
				keep = append(keep, c)
			}
		}
		if len(empty) > 1 {
			keep = append(keep, empty[0])
			toKill = append(toKill, empty[1:]...)
		} else {
			keep = append(keep, empty...)
		}
		p.connections[k] = keep
	}
	p.mu.Unlock()

	for _, c := range toKill {
		c.Close()
	}
}

// Kill tears down every connection and empties the pool.
func (p *Pool) Kill() {
	p.mu.Lock()
	var all []*Connection
	for _, conns := range p.connections {
		all = append(all, conns...)
	}
	p.connections = make(map[string][]*Connection)
	p.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}

// Stats returns the sum of miner sessions across all keys and the
// count of non-donation connections (§4.4's stats contract).
func (p *Pool) Stats() (miners int, connections int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conns := range p.connections {
		for _, c := range conns {
			m, _ := c.SessionCount()
			miners += m
			if !c.IsDonation() {
				connections++
			}
		}
	}
	return miners, connections
}
