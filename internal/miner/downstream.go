package miner

import "github.com/PeterWem/coin-hive-stratum/internal/protocol"

// Downstream is the browser-facing side of a Miner Session: one
// WebSocket connection carrying one JSON message per frame. internal/proxy
// adapts the WebSocket acceptor it is handed to this interface, keeping
// this package free of any dependency on a particular WebSocket library.
type Downstream interface {
	ReadMessage() (protocol.Message, error)
	WriteMessage(protocol.Message) error
	Close() error
	RemoteAddr() string
}
