package wiremux

// CompletedFrame is a single-chunk frame, or the product of successful
// multi-chunk reassembly, ready for dispatch via the command registry or
// response table.
type CompletedFrame struct {
	CommandID  CommandID
	IsResponse bool
	ResponseID uint32
	Payload    []byte
}

// onFrameFn receives every frame a Framer completes, in receive order for
// a given peer on TCP; order is not guaranteed across peers or on UDP.
type onFrameFn func(CompletedFrame)

// Framer extracts complete frames from one peer's TCP byte stream,
// resynchronizing after corruption as described in spec.md §4.4. A Framer
// is not safe for concurrent use; the owning per-peer receive loop is the
// sole caller.
type Framer struct {
	ring           *RingBuffer
	pool           *BytePool
	maxPayloadSize int
	reassembler    *Reassembler
	peer           PeerKey
	metrics        *Metrics
	onFrame        onFrameFn
}

// MaxFrameSize returns the largest number of bytes a single TCP frame can
// occupy on the wire when its payload is at most maxPayloadSize: fixed
// header, worst-case chunk and response fields, payload, and sentinel. A
// ring buffer smaller than this can never hold one full frame and drain
// would stall forever waiting for bytes that already arrived but don't fit.
func MaxFrameSize(maxPayloadSize int) int {
	return HeaderSizeTCP + ChunkFieldsSize + ResponseFieldSize + maxPayloadSize + 1
}

// NewFramer creates a TCP framer for one peer, backed by ring and sharing
// pool/reassembler/metrics with the rest of the engine.
func NewFramer(ring *RingBuffer, pool *BytePool, reassembler *Reassembler, peer PeerKey, maxPayloadSize int, metrics *Metrics, onFrame onFrameFn) *Framer {
	return &Framer{
		ring:           ring,
		pool:           pool,
		maxPayloadSize: maxPayloadSize,
		reassembler:    reassembler,
		peer:           peer,
		metrics:        metrics,
		onFrame:        onFrame,
	}
}

// Feed appends newly received bytes to the ring and extracts every
// complete frame it can, dispatching each via onFrame (or forwarding
// chunks to the reassembler). It returns the number of bytes actually
// appended; if less than len(data), the caller should retry the remainder
// once the ring has drained (spec.md §4.3 write() semantics).
func (f *Framer) Feed(data []byte) int {
	n := f.ring.Write(data)
	f.drain()
	return n
}

func (f *Framer) drain() {
	for {
		if f.ring.Len() < HeaderSizeTCP {
			return
		}
		hdr, ok := f.ring.PeekHeader(0)
		if !ok {
			return
		}
		// A header byte with the reserved bit, a nonzero encryption mode or
		// an unknown compression mode cannot start a frame, so its length
		// fields are not trusted: resync to the byte after the next sentinel.
		if comp, enc, _, _ := unpackHeaderByte(hdr.HeaderByte); hdr.HeaderByte&0x80 != 0 || enc != EncryptionNone || comp > CompressionLZ4 {
			if !f.resync(0) {
				return
			}
			continue
		}
		// payload_length covers only the payload; chunk/response fields the
		// header byte flags sit between the fixed header and the payload
		// and must be added to get the true frame length.
		bodyLen := extraFieldsSize(hdr.HeaderByte) + int(hdr.PayloadLength)
		frameLenNoSentinel := HeaderSizeTCP + bodyLen
		if frameLenNoSentinel > f.ring.Len() {
			return
		}
		if f.ring.Len() < frameLenNoSentinel+1 {
			return
		}

		sentinelByte, _ := f.ring.PeekByte(frameLenNoSentinel)
		if sentinelByte != Sentinel {
			if !f.resync(HeaderSizeTCP) {
				return
			}
			continue
		}

		body := f.pool.Rent(bodyLen)
		if !f.ring.Read(body, bodyLen, HeaderSizeTCP) {
			f.pool.Return(body)
			return
		}
		// consume the sentinel byte too.
		f.ring.Skip(1)

		decoded, err := Decode(hdr.HeaderByte, hdr.CommandID, hdr.PayloadLength, hdr.Checksum, body, f.maxPayloadSize)
		f.pool.Return(body)
		if err != nil {
			f.metrics.incFramesDiscarded()
			continue
		}
		f.metrics.incFramesDecoded()
		f.handleDecoded(decoded)
	}
}

// resync discards up to and including the next sentinel byte at or after
// skip bytes past the head, bounding damage from one corrupted frame to at
// most one extra frame boundary. It reports whether a sentinel was found;
// if not, the ring is left unchanged and drain waits for more bytes.
func (f *Framer) resync(skip int) bool {
	f.metrics.incResyncEvents()
	f.metrics.incFramesDiscarded()
	return f.ring.SkipUntil(skip, Sentinel)
}

func (f *Framer) handleDecoded(decoded DecodedFrame) {
	if !decoded.IsChunked {
		f.onFrame(CompletedFrame{
			CommandID:  decoded.CommandID,
			IsResponse: decoded.IsResponse,
			ResponseID: decoded.ResponseID,
			Payload:    decoded.Payload,
		})
		return
	}

	complete, ok := f.reassembler.AddChunk(f.peer, decoded.PacketID, decoded.CommandID, decoded.IsResponse, decoded.ResponseID, decoded.Payload, decoded.ChunkOffset, decoded.TotalLength)
	if ok {
		f.onFrame(complete)
	}
}

// DecodeUDPDatagram decodes one complete UDP datagram. UDP frames have no
// ring buffer and no trailing sentinel: the whole datagram is the frame
// candidate. Malformed datagrams are dropped silently (ok=false).
func DecodeUDPDatagram(data []byte, maxPayloadSize int, metrics *Metrics) (DecodedFrame, bool) {
	if len(data) < HeaderSizeTCP {
		metrics.incFramesDiscarded()
		return DecodedFrame{}, false
	}
	hdr := data[:HeaderSizeTCP]
	headerByte := hdr[0]
	cmd := CommandID(leUint16(hdr[1:3]))
	payloadLen := leUint16(hdr[3:5])
	checksum := leUint16(hdr[5:7])

	if int(payloadLen)+extraFieldsSize(headerByte)+HeaderSizeTCP != len(data) {
		metrics.incFramesDiscarded()
		return DecodedFrame{}, false
	}
	body := data[HeaderSizeTCP:]

	decoded, err := Decode(headerByte, cmd, payloadLen, checksum, body, maxPayloadSize)
	if err != nil {
		metrics.incFramesDiscarded()
		return DecodedFrame{}, false
	}
	metrics.incFramesDecoded()
	return decoded, true
}

func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
