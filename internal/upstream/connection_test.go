package upstream

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/PeterWem/coin-hive-stratum/internal/protocol"
	"github.com/PeterWem/coin-hive-stratum/pkg/logger"
)

func pipeDial(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	dial := func(host string, port int, useTLS, insecure bool) (net.Conn, error) {
		return client, nil
	}
	c := New("pool.example:3333", Config{Host: "pool.example", Port: 3333, MaxPerRole: 2}, false, dial, logger.New())
	if err := c.Dial(); err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	return c, server
}

func TestConnectionSendRewritesID(t *testing.T) {
	c, server := pipeDial(t)
	serverCodec := protocol.NewLineCodec(server, 0, 0)

	origID := int64(42)
	session := &struct{ name string }{"miner-a"}

	go c.Send(session, KindLogin, protocol.MethodLogin, protocol.LoginParams{Login: "wallet"}, &origID)

	got, err := serverCodec.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	if got.ID == nil || *got.ID == origID {
		t.Errorf("rewritten id = %v, want something other than original %d", got.ID, origID)
	}
}

func TestConnectionDispatchesResponseRestoringID(t *testing.T) {
	c, server := pipeDial(t)
	serverCodec := protocol.NewLineCodec(server, 0, 0)

	var gotSession Session
	var gotMsg protocol.Message
	done := make(chan struct{})
	c.OnMessage = func(session Session, kind RequestKind, msg protocol.Message) {
		gotSession = session
		gotMsg = msg
		close(done)
	}

	origID := int64(7)
	session := "miner-a"
	// the pool side must read the request for Send's pipe write to complete
	go serverCodec.ReadMessage()
	internalID, err := c.Send(session, KindLogin, protocol.MethodLogin, protocol.LoginParams{Login: "wallet"}, &origID)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	resp := protocol.NewResult(&internalID, protocol.LoginResult{ID: "worker-1"})
	if err := serverCodec.WriteMessage(resp); err != nil {
		t.Fatalf("WriteMessage returned error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnMessage dispatch")
	}

	if gotSession != session {
		t.Errorf("dispatched session = %v, want %v", gotSession, session)
	}
	if gotMsg.ID == nil || *gotMsg.ID != origID {
		t.Errorf("dispatched id = %v, want original id %d", gotMsg.ID, origID)
	}
}

func TestConnectionUnknownResponseIDIsDropped(t *testing.T) {
	c, server := pipeDial(t)
	serverCodec := protocol.NewLineCodec(server, 0, 0)

	called := make(chan struct{}, 1)
	c.OnMessage = func(session Session, kind RequestKind, msg protocol.Message) {
		called <- struct{}{}
	}

	unknownID := int64(999)
	if err := serverCodec.WriteMessage(protocol.NewResult(&unknownID, "ok")); err != nil {
		t.Fatalf("WriteMessage returned error: %v", err)
	}

	select {
	case <-called:
		t.Fatal("OnMessage fired for an unknown response id")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectionMalformedLineDoesNotClose(t *testing.T) {
	c, server := pipeDial(t)

	closed := make(chan struct{}, 1)
	c.OnClose = func() { closed <- struct{}{} }

	server.Write([]byte("not json\n"))

	// give the read loop a moment to process and (incorrectly, if
	// buggy) close
	select {
	case <-closed:
		t.Fatal("connection closed on a malformed line, want log-and-drop")
	case <-time.After(100 * time.Millisecond):
	}
	if !c.IsConnected() {
		t.Error("connection should remain open after a malformed line")
	}
}

func TestConnectionJobNotificationRoutesByWorkerID(t *testing.T) {
	c, server := pipeDial(t)
	serverCodec := protocol.NewLineCodec(server, 0, 0)

	session := "miner-a"
	c.RegisterWorker(session, "worker-1")

	var gotJob protocol.Job
	var gotSession Session
	done := make(chan struct{})
	c.OnJob = func(s Session, job protocol.Job) {
		gotSession = s
		gotJob = job
		close(done)
	}

	notif := protocol.Message{
		Method: protocol.MethodJob,
		Params: map[string]interface{}{
			"id":     "worker-1",
			"job_id": "job-1",
			"blob":   "abcd",
			"target": "ffff0000",
		},
	}
	if err := serverCodec.WriteMessage(notif); err != nil {
		t.Fatalf("WriteMessage returned error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnJob dispatch")
	}

	if gotSession != session {
		t.Errorf("job routed to %v, want %v", gotSession, session)
	}
	if gotJob.JobID != "job-1" {
		t.Errorf("job id = %q, want job-1", gotJob.JobID)
	}
}

func TestConnectionHasCapacityIndependentCaps(t *testing.T) {
	c, _ := pipeDial(t)

	m1, m2 := "miner-1", "miner-2"
	if !c.HasCapacity(false) {
		t.Fatal("expected capacity for first miner")
	}
	if err := c.Register(m1, false); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if err := c.Register(m2, false); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if c.HasCapacity(false) {
		t.Error("expected miners role to be at capacity")
	}
	// donations role must be independent of the miners role being full.
	if !c.HasCapacity(true) {
		t.Error("expected donations role capacity to be independent of miners role")
	}
}

func TestConnectionUnregisterRemovesAllEntries(t *testing.T) {
	c, server := pipeDial(t)
	go io.Copy(io.Discard, server) // lets Send's pipe write complete
	session := "miner-1"

	if err := c.Register(session, false); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	c.RegisterWorker(session, "worker-1")
	origID := int64(1)
	if _, err := c.Send(session, KindLogin, protocol.MethodLogin, nil, &origID); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	c.Unregister(session)

	if c.HasCapacity(false) != true {
		t.Error("expected capacity to free up after unregister")
	}
	miners, _ := c.SessionCount()
	if miners != 0 {
		t.Errorf("miners count = %d, want 0", miners)
	}
}

func TestConnectionCloseFailsPending(t *testing.T) {
	c, server := pipeDial(t)
	go io.Copy(io.Discard, server) // lets Send's pipe write complete

	var gotMsg protocol.Message
	done := make(chan struct{})
	c.OnMessage = func(session Session, kind RequestKind, msg protocol.Message) {
		gotMsg = msg
		close(done)
	}

	origID := int64(5)
	if _, err := c.Send("miner-1", KindSubmit, protocol.MethodSubmit, nil, &origID); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	c.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pending request to fail on close")
	}

	if gotMsg.Error == nil {
		t.Error("expected a failure response for the pending request on close")
	}
	if gotMsg.ID == nil || *gotMsg.ID != origID {
		t.Errorf("failure id = %v, want original id %d", gotMsg.ID, origID)
	}
}
