package wiremux

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	stateReadyReceive uint32 = 1 << iota
	stateReadySend
)

// Server is the server-side engine (spec.md §4.9): it accepts TCP
// connections or receives UDP datagrams, frames and dispatches messages,
// services the reserved PING/CONNECT/DISCONNECT commands itself, and
// exposes Send/SendToAll to application code.
type Server struct {
	opts engineOptions

	pool        *BytePool
	registry    *Registry
	clients     *ClientTable
	reassembler *Reassembler
	responses   *ResponseTable
	workers     *WorkerPool

	packetSeq atomic.Uint32

	mu          sync.Mutex
	state       uint32
	disposed    bool
	tcpListener *net.TCPListener
	udpConn     *net.UDPConn
}

// NewServer builds a Server from the given options. It does not bind a
// socket; call Run to do that.
func NewServer(opts ...Option) *Server {
	o := defaultEngineOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.applyDefaults()

	metrics := o.metrics
	pool := NewBytePool(metrics)
	return &Server{
		opts:        o,
		pool:        pool,
		registry:    NewRegistry(),
		clients:     NewClientTable(metrics),
		reassembler: NewReassembler(pool, o.config.ReassemblyTTL, metrics),
		responses:   NewResponseTable(pool, metrics),
		workers:     NewWorkerPool(o.config.DispatchWorkers),
	}
}

// AddCommand registers a deserializer for one or more user command ids.
func (s *Server) AddCommand(deserializer Deserializer, ids ...CommandID) error {
	return s.registry.AddCommand(deserializer, ids...)
}

// RemoveCommands unregisters the given command ids.
func (s *Server) RemoveCommands(ids ...CommandID) bool {
	return s.registry.RemoveCommands(ids...)
}

// AddDataReceivedCallback subscribes handler to id, returning a handle
// usable with RemoveDataReceivedCallback.
func (s *Server) AddDataReceivedCallback(id CommandID, handler Subscriber) (SubscriptionHandle, error) {
	return s.registry.AddDataReceived(id, handler)
}

// RemoveDataReceivedCallback unsubscribes a previously-added handler.
func (s *Server) RemoveDataReceivedCallback(handle SubscriptionHandle) bool {
	return s.registry.RemoveDataReceived(handle)
}

// Addr returns the bound listening address, once Run has bound a socket.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpListener != nil {
		return s.tcpListener.Addr()
	}
	if s.udpConn != nil {
		return s.udpConn.LocalAddr()
	}
	return nil
}

// Run binds network ("tcp" or "udp") at address and serves until ctx is
// canceled or an unrecoverable transport error occurs.
func (s *Server) Run(ctx context.Context, network, address string) error {
	switch network {
	case "tcp":
		return s.runTCP(ctx, address)
	case "udp":
		return s.runUDP(ctx, address)
	default:
		return newTransportError("run", errors.New("wiremux: unsupported network "+network))
	}
}

func (s *Server) runTCP(ctx context.Context, address string) error {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return newTransportError("resolve", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return newTransportError("listen", err)
	}

	s.mu.Lock()
	s.tcpListener = listener
	s.state = stateReadyReceive | stateReadySend
	s.mu.Unlock()

	s.opts.logger.Info("server listening", "addr", listener.Addr().String(), "network", "tcp")

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.AcceptTCP()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return newTransportError("accept", err)
		}
		_ = conn.SetNoDelay(true)
		go s.handleTCPConn(ctx, conn)
	}
}

func (s *Server) handleTCPConn(ctx context.Context, conn *net.TCPConn) {
	peer := PeerKey(conn.RemoteAddr().String())
	ring := NewRingBuffer(max(s.opts.config.RingBufferCapacity, MaxFrameSize(s.opts.config.TCPPayloadSizeMax)))

	var framer *Framer
	framer = NewFramer(ring, s.pool, s.reassembler, peer, s.opts.config.TCPPayloadSizeMax, s.opts.metrics, func(cf CompletedFrame) {
		s.workers.Go(ctx, func() { s.dispatch(peer, conn, cf) })
	})

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			s.handleDisconnect(peer, reasonFromErr(err))
			_ = conn.Close()
			return
		}
		for fed := 0; fed < n; {
			fed += framer.Feed(buf[fed:n])
		}
	}
}

func (s *Server) runUDP(ctx context.Context, address string) error {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return newTransportError("resolve", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return newTransportError("listen", err)
	}

	s.mu.Lock()
	s.udpConn = conn
	s.state = stateReadyReceive | stateReadySend
	s.mu.Unlock()

	s.opts.logger.Info("server listening", "addr", conn.LocalAddr().String(), "network", "udp")

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, s.opts.config.UDPPayloadSizeMax+HeaderSizeTCP+32)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return newTransportError("read", err)
		}
		peer := PeerKey(raddr.String())
		datagram := append([]byte(nil), buf[:n]...)
		s.workers.Go(ctx, func() {
			decoded, ok := DecodeUDPDatagram(datagram, s.opts.config.UDPPayloadSizeMax, s.opts.metrics)
			if !ok {
				return
			}
			cf := CompletedFrame{CommandID: decoded.CommandID, IsResponse: decoded.IsResponse, ResponseID: decoded.ResponseID, Payload: decoded.Payload}
			if decoded.IsChunked {
				var complete bool
				cf, complete = s.reassembler.AddChunk(peer, decoded.PacketID, decoded.CommandID, decoded.IsResponse, decoded.ResponseID, decoded.Payload, decoded.ChunkOffset, decoded.TotalLength)
				if !complete {
					return
				}
			}
			s.dispatchUDP(peer, raddr, conn, cf)
		})
	}
}

// dispatch handles one completed TCP frame for peer.
func (s *Server) dispatch(peer PeerKey, conn *net.TCPConn, cf CompletedFrame) {
	switch cf.CommandID {
	case CommandPing:
		_ = s.sendTCPChunked(conn, CommandPing, cf.Payload, cf.ResponseID, s.opts.config.TCPPayloadSizeMax)
	case CommandConnect:
		s.handleConnect(peer, func(cmd CommandID, payload []byte) error {
			return s.sendTCPChunked(conn, cmd, payload, 0, s.opts.config.TCPPayloadSizeMax)
		}, conn, nil)
	case CommandDisconnect:
		s.handleDisconnect(peer, ReasonGraceful)
	default:
		// A response id on the wire only means "this frame also carries a
		// response_id field", not "this is a reply to one of my own
		// pending requests" (send_r sets it on the request it sends, not
		// just on replies). Only short-circuit into the response table
		// when it actually has a matching pending entry; otherwise this is
		// a genuine user command that happens to want a reply.
		if cf.IsResponse && s.responses.TryComplete(cf.ResponseID, cf.Payload, nil) {
			return
		}
		s.registry.Dispatch(Message{Peer: peer, CommandID: cf.CommandID, ResponseID: cf.ResponseID, Payload: cf.Payload})
	}
}

// dispatchUDP handles one completed UDP frame.
func (s *Server) dispatchUDP(peer PeerKey, raddr *net.UDPAddr, conn *net.UDPConn, cf CompletedFrame) {
	switch cf.CommandID {
	case CommandPing:
		_ = s.sendUDP(conn, raddr, CommandPing, cf.Payload, true, cf.ResponseID)
	case CommandConnect:
		s.handleConnect(peer, func(cmd CommandID, payload []byte) error {
			return s.sendUDP(conn, raddr, cmd, payload, false, 0)
		}, nil, raddr)
	case CommandDisconnect:
		s.handleDisconnect(peer, ReasonGraceful)
	default:
		if cf.IsResponse && s.responses.TryComplete(cf.ResponseID, cf.Payload, nil) {
			return
		}
		s.registry.Dispatch(Message{Peer: peer, CommandID: cf.CommandID, ResponseID: cf.ResponseID, Payload: cf.Payload})
	}
}

func (s *Server) handleConnect(peer PeerKey, echo func(CommandID, []byte) error, tcpConn *net.TCPConn, udpAddr *net.UDPAddr) {
	data, accept := s.opts.createClient(peer)
	if !accept {
		return
	}
	state := &ClientState{Peer: peer, Data: data}
	if tcpConn != nil {
		state.conn = tcpConn
	}
	if udpAddr != nil {
		state.udpAddr = udpAddr
	}
	state.touch(timeNowUnixNano())
	s.clients.Insert(state)
	s.opts.onConnected(peer, state)
	_ = echo(CommandConnect, nil)
}

func (s *Server) handleDisconnect(peer PeerKey, reason DisconnectReason) {
	_, ok := s.clients.Remove(peer)
	if !ok {
		return
	}
	s.reassembler.Abandon(peer)
	s.opts.onDisconnected(peer, reason)
}

// Send delivers payload under command to peer, transparently chunking it
// if it exceeds the transport's max payload size. responseID is 0 for a
// plain send, or the id of an earlier request this is answering.
func (s *Server) Send(peer PeerKey, cmd CommandID, payload []byte, responseID uint32) SendError {
	state, ok := s.clients.Lookup(peer)
	if !ok {
		return SendErrorDisconnected
	}
	switch {
	case state.conn != nil:
		return sendErrorFrom(s.sendTCPChunked(state.conn.(*net.TCPConn), cmd, payload, responseID, s.opts.config.TCPPayloadSizeMax))
	case state.udpAddr != nil:
		s.mu.Lock()
		udpConn := s.udpConn
		s.mu.Unlock()
		if udpConn == nil {
			return SendErrorSocketError
		}
		return sendErrorFrom(s.sendUDP(udpConn, state.udpAddr.(*net.UDPAddr), cmd, payload, responseID != 0, responseID))
	default:
		return SendErrorInvalid
	}
}

// SendToAll delivers payload under command to every currently-connected
// client, snapshotting the client table before sending so a slow peer
// never blocks registration or removal of another (spec.md §4.8).
func (s *Server) SendToAll(cmd CommandID, payload []byte) map[PeerKey]SendError {
	results := make(map[PeerKey]SendError)
	for _, state := range s.clients.Snapshot() {
		results[state.Peer] = s.Send(state.Peer, cmd, payload, 0)
	}
	return results
}

func (s *Server) sendTCPChunked(conn *net.TCPConn, cmd CommandID, payload []byte, responseID uint32, mtu int) error {
	isResponse := responseID != 0
	if len(payload) <= mtu {
		frame, err := Encode(cmd, payload, EncodeOptions{IsResponse: isResponse, ResponseID: responseID}, mtu, true)
		if err != nil {
			return err
		}
		_, err = conn.Write(frame)
		return err
	}

	packetID := s.packetSeq.Add(1)
	total := uint32(len(payload))
	for _, chunk := range splitChunks(payload, mtu) {
		frame, err := Encode(cmd, chunk.Data, EncodeOptions{
			IsResponse: isResponse, ResponseID: responseID,
			IsChunked: true, PacketID: packetID, ChunkOffset: chunk.Offset, TotalLength: total,
		}, mtu, true)
		if err != nil {
			return err
		}
		if _, err := conn.Write(frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) sendUDP(conn *net.UDPConn, addr *net.UDPAddr, cmd CommandID, payload []byte, isResponse bool, responseID uint32) error {
	mtu := s.opts.config.UDPPayloadSizeMax
	if len(payload) <= mtu {
		frame, err := Encode(cmd, payload, EncodeOptions{IsResponse: isResponse, ResponseID: responseID}, mtu, false)
		if err != nil {
			return err
		}
		_, err = conn.WriteToUDP(frame, addr)
		return err
	}

	packetID := s.packetSeq.Add(1)
	total := uint32(len(payload))
	for _, chunk := range splitChunks(payload, mtu) {
		frame, err := Encode(cmd, chunk.Data, EncodeOptions{
			IsResponse: isResponse, ResponseID: responseID,
			IsChunked: true, PacketID: packetID, ChunkOffset: chunk.Offset, TotalLength: total,
		}, mtu, false)
		if err != nil {
			return err
		}
		if _, err := conn.WriteToUDP(frame, addr); err != nil {
			return err
		}
	}
	return nil
}

// Dispose stops accepting new work, closes the listening TCP socket or the
// UDP socket, and marks the server disposed. Idempotent. CloseTimeout is
// only set as the listener's deadline before it is closed: no linger is
// applied, and connections already accepted are not closed.
func (s *Server) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	s.state = 0
	listener := s.tcpListener
	udpConn := s.udpConn
	s.mu.Unlock()

	var err error
	if listener != nil {
		_ = listener.SetDeadline(time.Now().Add(s.opts.config.CloseTimeout))
		err = listener.Close()
	}
	if udpConn != nil {
		if cerr := udpConn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func reasonFromErr(err error) DisconnectReason {
	if err == nil {
		return ReasonUnspecified
	}
	return ReasonSocketError
}

func sendErrorFrom(err error) SendError {
	if err == nil {
		return SendErrorNone
	}
	if errors.Is(err, ErrPayloadTooLarge) {
		return SendErrorPacketTooLarge
	}
	return SendErrorSocketError
}

func timeNowUnixNano() int64 {
	return time.Now().UnixNano()
}
