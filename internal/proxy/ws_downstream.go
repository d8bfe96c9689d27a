package proxy

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/PeterWem/coin-hive-stratum/internal/protocol"
)

// wsDownstream adapts a *websocket.Conn to miner.Downstream. WebSocket
// framing already delimits messages, so unlike the upstream dialect's
// LineCodec this needs no read-side buffering of its own (§4.5), but
// gorilla/websocket still requires callers to serialize writes: a
// Miner's own goroutine and every Upstream Connection it touches (the
// host connection plus each donation's) can all call WriteMessage on
// the same socket, so writeMu guards it the same way
// protocol.LineCodec.WriteMessage guards the upstream write path.
type wsDownstream struct {
	conn   *websocket.Conn
	remote string

	writeMu sync.Mutex
}

func newWSDownstream(conn *websocket.Conn, remote string) *wsDownstream {
	return &wsDownstream{conn: conn, remote: remote}
}

func (d *wsDownstream) ReadMessage() (protocol.Message, error) {
	var msg protocol.Message
	err := d.conn.ReadJSON(&msg)
	return msg, err
}

func (d *wsDownstream) WriteMessage(msg protocol.Message) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.conn.WriteJSON(msg)
}

func (d *wsDownstream) Close() error {
	return d.conn.Close()
}

func (d *wsDownstream) RemoteAddr() string {
	return d.remote
}
