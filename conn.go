// Package wiremux implements the framing and dispatch engine of a
// message-oriented TCP/UDP client-server networking library: on-wire
// framing with ring-buffer resynchronization, multi-chunk reassembly,
// command dispatch, and request/response correlation.
package wiremux

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Client is the client-side engine (spec.md §4.10): it connects, runs a
// receive loop that frames and dispatches incoming messages, and exposes
// Send (fire-and-forget) and SendR (request/response) to application
// code.
type Client struct {
	opts engineOptions

	pool        *BytePool
	registry    *Registry
	reassembler *Reassembler
	responses   *ResponseTable
	workers     *WorkerPool

	conn      net.Conn
	udpConn   *net.UDPConn
	peer      PeerKey
	ring      *RingBuffer
	framer    *Framer
	packetSeq atomic.Uint32

	sendMsg chan []byte
	closed  atomic.Bool
	cancel  context.CancelFunc

	onDisconnected func(reason DisconnectReason)
	onPing         ReservedHandler
	onUDPConnect   ReservedHandler
	onClientInfo   ReservedHandler
}

// ReservedHandler receives a decoded reserved-command message pushed by
// the server outside of a request/response exchange (e.g. a server-side
// keepalive PING, or CLIENT_INFO/UDP_CONNECT pushed after connect).
type ReservedHandler func(Message)

const clientSendBuffer = 16

// NewClient builds a Client from the given options. It does not dial;
// call Connect to do that.
func NewClient(opts ...Option) *Client {
	o := defaultEngineOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.applyDefaults()

	metrics := o.metrics
	pool := NewBytePool(metrics)
	c := &Client{
		opts:        o,
		pool:        pool,
		registry:    NewRegistry(),
		reassembler: NewReassembler(pool, o.config.ReassemblyTTL, metrics),
		responses:   NewResponseTable(pool, metrics),
		workers:     NewWorkerPool(o.config.DispatchWorkers),
		sendMsg:     make(chan []byte, clientSendBuffer),
	}
	return c
}

// AddCommand registers a deserializer for one or more user command ids.
func (c *Client) AddCommand(deserializer Deserializer, ids ...CommandID) error {
	return c.registry.AddCommand(deserializer, ids...)
}

// RemoveCommands unregisters the given command ids.
func (c *Client) RemoveCommands(ids ...CommandID) bool {
	return c.registry.RemoveCommands(ids...)
}

// AddDataReceivedCallback subscribes handler to id, returning a handle
// usable with RemoveDataReceivedCallback.
func (c *Client) AddDataReceivedCallback(id CommandID, handler Subscriber) (SubscriptionHandle, error) {
	return c.registry.AddDataReceived(id, handler)
}

// RemoveDataReceivedCallback unsubscribes a previously-added handler.
func (c *Client) RemoveDataReceivedCallback(handle SubscriptionHandle) bool {
	return c.registry.RemoveDataReceived(handle)
}

// OnDisconnected sets the callback raised when the connection is torn
// down, whether gracefully or by a transport error.
func (c *Client) OnDisconnected(fn func(reason DisconnectReason)) {
	c.onDisconnected = fn
}

// OnPing sets the handler for a server-pushed PING that isn't a reply to
// one of this client's own requests (e.g. a server-initiated keepalive).
func (c *Client) OnPing(fn ReservedHandler) { c.onPing = fn }

// OnUDPConnect sets the handler for a pushed UDP_CONNECT, decoding the
// peer-assigned id the server hands back after a UDP handshake.
func (c *Client) OnUDPConnect(fn ReservedHandler) { c.onUDPConnect = fn }

// OnClientInfo sets the handler for a pushed CLIENT_INFO.
func (c *Client) OnClientInfo(fn ReservedHandler) { c.onClientInfo = fn }

// Connect dials network ("tcp" or "udp") at address, starts the receive
// loop, and sends the initial CONNECT frame on success.
func (c *Client) Connect(ctx context.Context, network, address string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.opts.config.DefaultRequestTimeout
	}
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return newTransportError("connect", err)
	}

	c.conn = conn
	c.peer = PeerKey(conn.RemoteAddr().String())
	maxPayload := c.opts.config.TCPPayloadSizeMax
	if udp, ok := conn.(*net.UDPConn); ok {
		c.udpConn = udp
		maxPayload = c.opts.config.UDPPayloadSizeMax
	}
	c.ring = NewRingBuffer(max(c.opts.config.RingBufferCapacity, MaxFrameSize(maxPayload)))
	c.framer = NewFramer(c.ring, c.pool, c.reassembler, c.peer, maxPayload, c.opts.metrics, c.handleFrame)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	group, gctx := errgroup.WithContext(runCtx)

	group.Go(func() error { return c.readLoop(gctx) })
	group.Go(func() error { return c.writeLoop(gctx) })

	go func() {
		err := group.Wait()
		c.closeConn(err)
	}()

	return c.sendFrame(CommandConnect, nil, false, 0)
}

// Addr returns the remote address of the connection.
func (c *Client) Addr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

func (c *Client) readLoop(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := c.conn.Read(buf)
		if err != nil {
			return err
		}
		if c.udpConn != nil {
			decoded, ok := DecodeUDPDatagram(buf[:n], c.opts.config.UDPPayloadSizeMax, c.opts.metrics)
			if !ok {
				continue
			}
			c.workers.Go(ctx, func() {
				c.handleFrame(CompletedFrame{CommandID: decoded.CommandID, IsResponse: decoded.IsResponse, ResponseID: decoded.ResponseID, Payload: decoded.Payload})
			})
			continue
		}
		for fed := 0; fed < n; {
			fed += c.framer.Feed(buf[fed:n])
		}
	}
}

func (c *Client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if _, err := c.conn.Write(data); err != nil {
				if c.opts.onError(err) == Disconnect {
					return err
				}
			}
		}
	}
}

// handleFrame routes one completed frame to the response table (if it
// answers an outstanding SendR) or to the command registry, offloaded
// onto the worker pool so the receive loop never blocks on user code.
func (c *Client) handleFrame(cf CompletedFrame) {
	// A response id on the wire only means the frame carries that field,
	// not that it completes one of this client's own pending requests
	// (the server may push a reserved/user command with a response id of
	// its own). Only treat it as a reply when a pending request actually
	// matches.
	if cf.IsResponse && c.responses.TryComplete(cf.ResponseID, cf.Payload, nil) {
		return
	}
	if !cf.CommandID.IsUserCommand() {
		c.workers.Go(context.Background(), func() { c.dispatchReserved(cf) })
		return
	}
	c.workers.Go(context.Background(), func() {
		c.registry.Dispatch(Message{Peer: c.peer, CommandID: cf.CommandID, ResponseID: cf.ResponseID, Payload: cf.Payload})
	})
}

// dispatchReserved decodes a pushed (non-response) reserved-command frame
// using its fixed layout (spec.md §4.10) and hands it to the matching
// ReservedHandler, if one is registered.
func (c *Client) dispatchReserved(cf CompletedFrame) {
	msg := Message{Peer: c.peer, CommandID: cf.CommandID, ResponseID: cf.ResponseID, Payload: cf.Payload}
	switch cf.CommandID {
	case CommandPing:
		if c.onPing == nil {
			return
		}
		if decoded, err := decodePing(cf.Payload); err == nil {
			msg.Decoded = decoded
			c.onPing(msg)
		}
	case CommandUDPConnect:
		if c.onUDPConnect == nil {
			return
		}
		if decoded, err := decodeUDPConnect(cf.Payload); err == nil {
			msg.Decoded = decoded
			c.onUDPConnect(msg)
		}
	case CommandClientInfo:
		if c.onClientInfo == nil {
			return
		}
		if decoded, err := decodeClientInfo(cf.Payload); err == nil {
			msg.Decoded = decoded
			c.onClientInfo(msg)
		}
	}
}

// Send delivers payload under command without waiting for a reply.
func (c *Client) Send(cmd CommandID, payload []byte) SendError {
	return sendErrorFrom(c.sendFrame(cmd, payload, false, 0))
}

// SendR delivers payload under command and blocks until a matching
// response arrives, timeout elapses, or ctx is canceled. A zero timeout
// uses Config.DefaultRequestTimeout (60s per spec.md §4.10).
func (c *Client) SendR(ctx context.Context, cmd CommandID, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.opts.config.DefaultRequestTimeout
	}
	id, ch := c.responses.Register(timeout)
	if err := c.sendFrame(cmd, payload, true, id); err != nil {
		c.responses.Cancel(id)
		return nil, err
	}

	select {
	case res := <-ch:
		if res.Cancelled {
			return nil, ErrRequestCancelled
		}
		return res.Payload, nil
	case <-ctx.Done():
		c.responses.Cancel(id)
		return nil, ctx.Err()
	}
}

func (c *Client) sendFrame(cmd CommandID, payload []byte, isResponse bool, responseID uint32) error {
	if c.closed.Load() || c.conn == nil {
		return ErrConnectionClosed
	}

	if c.udpConn != nil {
		mtu := c.opts.config.UDPPayloadSizeMax
		return c.sendUDPFrame(cmd, payload, isResponse, responseID, mtu)
	}

	mtu := c.opts.config.TCPPayloadSizeMax
	if len(payload) <= mtu {
		frame, err := Encode(cmd, payload, EncodeOptions{IsResponse: isResponse, ResponseID: responseID}, mtu, true)
		if err != nil {
			return err
		}
		return c.enqueue(frame)
	}

	packetID := c.packetSeq.Add(1)
	total := uint32(len(payload))
	for _, chunk := range splitChunks(payload, mtu) {
		frame, err := Encode(cmd, chunk.Data, EncodeOptions{
			IsResponse: isResponse, ResponseID: responseID,
			IsChunked: true, PacketID: packetID, ChunkOffset: chunk.Offset, TotalLength: total,
		}, mtu, true)
		if err != nil {
			return err
		}
		if err := c.enqueue(frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendUDPFrame(cmd CommandID, payload []byte, isResponse bool, responseID uint32, mtu int) error {
	if len(payload) <= mtu {
		frame, err := Encode(cmd, payload, EncodeOptions{IsResponse: isResponse, ResponseID: responseID}, mtu, false)
		if err != nil {
			return err
		}
		return c.enqueue(frame)
	}

	packetID := c.packetSeq.Add(1)
	total := uint32(len(payload))
	for _, chunk := range splitChunks(payload, mtu) {
		frame, err := Encode(cmd, chunk.Data, EncodeOptions{
			IsResponse: isResponse, ResponseID: responseID,
			IsChunked: true, PacketID: packetID, ChunkOffset: chunk.Offset, TotalLength: total,
		}, mtu, false)
		if err != nil {
			return err
		}
		if err := c.enqueue(frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) enqueue(frame []byte) error {
	select {
	case c.sendMsg <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close gracefully closes the connection, sending a DISCONNECT frame
// first. Safe to call multiple times.
func (c *Client) Close() error {
	if c.closed.Load() {
		return nil
	}
	_ = c.sendFrame(CommandDisconnect, nil, false, 0)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *Client) closeConn(err error) {
	if c.closed.Swap(true) {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	reason := ReasonGraceful
	if err != nil {
		reason = ReasonSocketError
	}
	if c.onDisconnected != nil {
		c.onDisconnected(reason)
	}
}
