package wiremux

import (
	"context"
	"net"
	"testing"
	"time"
)

const testClientCommand CommandID = 2

// createTestTCPPair creates a connected pair of TCP connections for testing.
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// newTestClientOverConn wires a Client onto an already-connected net.Conn,
// bypassing Connect's DialTimeout since createTestTCPPair has already
// connected the pair.
func newTestClientOverConn(t *testing.T, conn net.Conn) *Client {
	t.Helper()
	c := NewClient()
	c.conn = conn
	c.peer = PeerKey(conn.RemoteAddr().String())
	c.ring = NewRingBuffer(max(c.opts.config.RingBufferCapacity, MaxFrameSize(c.opts.config.TCPPayloadSizeMax)))
	c.framer = NewFramer(c.ring, c.pool, c.reassembler, c.peer, c.opts.config.TCPPayloadSizeMax, c.opts.metrics, c.handleFrame)
	return c
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient()
	if c.registry == nil || c.reassembler == nil || c.responses == nil || c.workers == nil {
		t.Fatal("NewClient left a required component nil")
	}
	if cap(c.sendMsg) != clientSendBuffer {
		t.Errorf("sendMsg capacity = %d, want %d", cap(c.sendMsg), clientSendBuffer)
	}
}

func TestClient_AddCommand_RejectsReserved(t *testing.T) {
	c := NewClient()
	if err := c.AddCommand(decodeRawBytes, CommandPing); err == nil {
		t.Error("AddCommand should reject a reserved command id")
	}
}

func TestClient_SendBeforeConnect_NoPanic(t *testing.T) {
	c := NewClient()
	// A Client that never connected has no connection to send on;
	// sendFrame should fail fast instead of queueing the frame.
	err := c.sendFrame(testClientCommand, nil, false, 0)
	if err == nil {
		t.Error("sendFrame before Connect should fail")
	}
}

func TestClient_ReadLoop_DispatchesUserCommand(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	c := newTestClientOverConn(t, clientConn)
	if err := c.AddCommand(decodeRawBytes, testClientCommand); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	received := make(chan string, 1)
	if _, err := c.AddDataReceivedCallback(testClientCommand, func(msg Message) bool {
		received <- string(msg.Decoded.([]byte))
		return true
	}); err != nil {
		t.Fatalf("AddDataReceivedCallback: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.readLoop(ctx)

	frame, err := Encode(testClientCommand, []byte("from server"), EncodeOptions{}, DefaultTCPPayloadSizeMax, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := serverConn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if got != "from server" {
			t.Errorf("received = %q, want 'from server'", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dispatch")
	}
}

func TestClient_OnPing_DispatchesReservedPush(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	c := newTestClientOverConn(t, clientConn)
	received := make(chan PingPayload, 1)
	c.OnPing(func(msg Message) { received <- msg.Decoded.(PingPayload) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.readLoop(ctx)

	frame, err := Encode(CommandPing, encodePing(PingPayload{Timestamp: 42}), EncodeOptions{}, DefaultTCPPayloadSizeMax, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := serverConn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if got.Timestamp != 42 {
			t.Errorf("Timestamp = %d, want 42", got.Timestamp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for ping dispatch")
	}
}

func TestClient_SendR_ReceivesMatchingResponse(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	c := newTestClientOverConn(t, clientConn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.readLoop(ctx)
	go c.writeLoop(ctx)

	respondDone := make(chan struct{})
	go func() {
		defer close(respondDone)
		hdr := make([]byte, HeaderSizeTCP)
		if _, err := readFull(serverConn, hdr); err != nil {
			return
		}
		payloadLen := int(hdr[3]) | int(hdr[4])<<8
		rest := make([]byte, payloadLen+4+1) // response id + payload + sentinel
		if _, err := readFull(serverConn, rest); err != nil {
			return
		}
		responseID := rest[:4]
		var id uint32
		id = uint32(responseID[0]) | uint32(responseID[1])<<8 | uint32(responseID[2])<<16 | uint32(responseID[3])<<24
		reply, err := Encode(testClientCommand, []byte("pong"), EncodeOptions{IsResponse: true, ResponseID: id}, DefaultTCPPayloadSizeMax, true)
		if err != nil {
			return
		}
		serverConn.Write(reply)
	}()

	payload, err := c.SendR(context.Background(), testClientCommand, []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("SendR: %v", err)
	}
	if string(payload) != "pong" {
		t.Errorf("payload = %q, want pong", payload)
	}

	select {
	case <-respondDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for responder goroutine")
	}
}

func TestClient_SendR_TimesOut(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	c := newTestClientOverConn(t, clientConn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.readLoop(ctx)
	go c.writeLoop(ctx)

	_, err := c.SendR(context.Background(), testClientCommand, []byte("ping"), time.Millisecond*50)
	if err != ErrRequestCancelled {
		t.Errorf("SendR = %v, want ErrRequestCancelled", err)
	}
}

func TestClient_Close_Idempotent(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()

	c := newTestClientOverConn(t, clientConn)
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.writeLoop(ctx)

	if err := c.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got: %v", err)
	}
}

func TestClient_Addr(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	c := newTestClientOverConn(t, clientConn)
	if c.Addr() == nil {
		t.Error("Addr returned nil")
	}
}
