package wiremux

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
)

// CommandID is the 16-bit wire command tag.
type CommandID uint16

// IsUserCommand reports whether id is available for application use, i.e.
// not one of the reserved control commands above UserCommandLimit.
func (id CommandID) IsUserCommand() bool {
	return id <= UserCommandLimit
}

// header byte accessors, kept free functions since the header byte never
// outlives a single encode/decode call.

func packHeaderByte(compression CompressionMode, encryption EncryptionMode, isResponse, isChunked bool) byte {
	b := byte(compression) & headerCompressionMask
	b |= (byte(encryption) & headerEncryptionMask) << headerEncryptionShift
	if isResponse {
		b |= headerResponseBit
	}
	if isChunked {
		b |= headerChunkedBit
	}
	return b
}

func unpackHeaderByte(b byte) (compression CompressionMode, encryption EncryptionMode, isResponse, isChunked bool) {
	compression = CompressionMode(b & headerCompressionMask)
	encryption = EncryptionMode((b >> headerEncryptionShift) & headerEncryptionMask)
	isResponse = b&headerResponseBit != 0
	isChunked = b&headerChunkedBit != 0
	return
}

// extraFieldsSize returns the width, in bytes, of the chunk/response
// fields Encode places between the fixed header and the payload for a
// frame whose header byte is b. declaredPayloadLen only covers the
// payload itself, so callers sizing a whole frame must add this.
func extraFieldsSize(b byte) int {
	_, _, isResponse, isChunked := unpackHeaderByte(b)
	n := 0
	if isChunked {
		n += ChunkFieldsSize
	}
	if isResponse {
		n += ResponseFieldSize
	}
	return n
}

// EncodeOptions controls the per-call behavior of Encode.
type EncodeOptions struct {
	Compression CompressionMode
	IsResponse  bool
	ResponseID  uint32
	IsChunked   bool
	PacketID    uint32
	ChunkOffset uint32
	TotalLength uint32
}

// fold16 computes the 16-bit sum-of-bytes checksum spec.md mandates: sum
// every byte into a 32-bit accumulator, then fold the carry bits down into
// 16 bits until none remain.
func fold16(data ...[]byte) uint16 {
	var sum uint32
	for _, d := range data {
		for _, b := range d {
			sum += uint32(b)
		}
	}
	for sum > 0xFFFF {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return uint16(sum)
}

// Encode produces the on-wire bytes for one frame: header byte, command id,
// payload length, checksum, optional chunk/response fields, body, and (for
// includeSentinel callers) the trailing 0x00. UDP callers pass
// includeSentinel=false.
//
// Compression is applied only when smaller than the uncompressed payload;
// otherwise the frame is sent uncompressed even if a compression mode was
// requested, and the header byte reflects what was actually sent.
func Encode(cmd CommandID, payload []byte, opts EncodeOptions, maxPayloadSize int, includeSentinel bool) ([]byte, error) {
	body := payload
	compression := CompressionNone

	if opts.Compression == CompressionLZ4 && len(payload) > 0 {
		compressed, err := compressLZ4(payload)
		if err == nil && len(compressed)+2 < len(payload) {
			// Prefix with the uncompressed length: LZ4's block API needs
			// the exact destination size up front, and that size isn't
			// otherwise recoverable from the wire once compressed.
			prefixed := make([]byte, 2+len(compressed))
			binary.LittleEndian.PutUint16(prefixed[0:2], uint16(len(payload)))
			copy(prefixed[2:], compressed)
			body = prefixed
			compression = CompressionLZ4
		}
	}

	if len(body) > maxPayloadSize {
		return nil, errWrap(ErrPayloadTooLarge, "encode")
	}

	headerByte := packHeaderByte(compression, EncryptionNone, opts.IsResponse, opts.IsChunked)

	fixed := make([]byte, HeaderSizeTCP)
	fixed[0] = headerByte
	binary.LittleEndian.PutUint16(fixed[1:3], uint16(cmd))
	binary.LittleEndian.PutUint16(fixed[3:5], uint16(len(body)))
	// checksum field left zero for now; filled below once we know full header.

	var extra []byte
	if opts.IsChunked {
		chunk := make([]byte, ChunkFieldsSize)
		binary.LittleEndian.PutUint32(chunk[0:4], opts.PacketID)
		binary.LittleEndian.PutUint32(chunk[4:8], opts.ChunkOffset)
		binary.LittleEndian.PutUint32(chunk[8:12], opts.TotalLength)
		extra = append(extra, chunk...)
	}
	if opts.IsResponse {
		respID := make([]byte, ResponseFieldSize)
		binary.LittleEndian.PutUint32(respID, opts.ResponseID)
		extra = append(extra, respID...)
	}

	checksum := fold16(fixed[:1], fixed[1:5], extra, body)
	binary.LittleEndian.PutUint16(fixed[5:7], checksum)

	total := len(fixed) + len(extra) + len(body)
	if includeSentinel {
		total++
	}
	out := make([]byte, 0, total)
	out = append(out, fixed...)
	out = append(out, extra...)
	out = append(out, body...)
	if includeSentinel {
		out = append(out, Sentinel)
	}
	return out, nil
}

// DecodedFrame is the result of decoding the body of a frame once the
// framer has already validated length and (on TCP) the sentinel.
type DecodedFrame struct {
	CommandID     CommandID
	Payload       []byte
	IsResponse    bool
	ResponseID    uint32
	IsChunked     bool
	PacketID      uint32
	ChunkOffset   uint32
	TotalLength   uint32
}

// Decode verifies the checksum over header+body, decompresses the payload
// if indicated, and returns the decoded frame, whose Payload never aliases
// body. body must be exactly the
// bytes between the fixed header and the sentinel (exclusive), i.e.
// [chunk fields][response field][payload].
func Decode(headerByte byte, cmd CommandID, declaredPayloadLen uint16, checksum uint16, body []byte, maxPayloadSize int) (DecodedFrame, error) {
	compression, encryption, isResponse, isChunked := unpackHeaderByte(headerByte)
	if encryption != EncryptionNone {
		return DecodedFrame{}, errWrap(ErrEncryptionUnsupported, "decode")
	}

	fixed := make([]byte, 5)
	fixed[0] = headerByte
	binary.LittleEndian.PutUint16(fixed[1:3], uint16(cmd))
	binary.LittleEndian.PutUint16(fixed[3:5], declaredPayloadLen)

	if fold16(fixed, body) != checksum {
		return DecodedFrame{}, errWrap(ErrChecksumMismatch, "decode")
	}

	out := DecodedFrame{CommandID: cmd, IsResponse: isResponse, IsChunked: isChunked}
	rest := body

	if isChunked {
		if len(rest) < ChunkFieldsSize {
			return DecodedFrame{}, errWrap(ErrShortHeader, "decode chunk fields")
		}
		out.PacketID = binary.LittleEndian.Uint32(rest[0:4])
		out.ChunkOffset = binary.LittleEndian.Uint32(rest[4:8])
		out.TotalLength = binary.LittleEndian.Uint32(rest[8:12])
		rest = rest[ChunkFieldsSize:]
	}
	if isResponse {
		if len(rest) < ResponseFieldSize {
			return DecodedFrame{}, errWrap(ErrShortHeader, "decode response field")
		}
		out.ResponseID = binary.LittleEndian.Uint32(rest[0:4])
		rest = rest[ResponseFieldSize:]
	}

	payload := rest
	if compression == CompressionLZ4 {
		if len(rest) < 2 {
			return DecodedFrame{}, errWrap(ErrDecompressFailure, "decode")
		}
		origLen := int(binary.LittleEndian.Uint16(rest[0:2]))
		if origLen > maxPayloadSize {
			return DecodedFrame{}, errWrap(ErrPayloadTooLarge, "decode")
		}
		decompressed, err := decompressLZ4(rest[2:], origLen)
		if err != nil {
			return DecodedFrame{}, errWrap(ErrDecompressFailure, "decode")
		}
		payload = decompressed
	} else if compression != CompressionNone {
		return DecodedFrame{}, errWrap(ErrUnknownCompression, "decode")
	} else {
		// Copy out of body: the framer returns body to the pool before the
		// frame is dispatched.
		payload = append([]byte(nil), rest...)
	}

	if len(payload) > maxPayloadSize {
		return DecodedFrame{}, errWrap(ErrPayloadTooLarge, "decode")
	}

	out.Payload = payload
	return out, nil
}

// compressLZ4 compresses src, returning the compressed bytes. The caller
// is responsible for discarding the result if it isn't actually smaller.
func compressLZ4(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// incompressible per lz4's own heuristic; treat as "not smaller"
		return src, nil
	}
	return dst[:n], nil
}

// decompressLZ4 decompresses src into a buffer of exactly expectedLen
// bytes, as required by lz4's block API.
func decompressLZ4(src []byte, expectedLen int) ([]byte, error) {
	dst := make([]byte, expectedLen)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}
