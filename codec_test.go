package wiremux

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecode_Roundtrip(t *testing.T) {
	payload := []byte{45, 48, 72, 15}
	frame, err := Encode(CommandID(5), payload, EncodeOptions{}, DefaultTCPPayloadSizeMax, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if frame[len(frame)-1] != Sentinel {
		t.Errorf("last byte = %#x, want sentinel 0x00", frame[len(frame)-1])
	}

	hdr := frame[:HeaderSizeTCP]
	body := frame[HeaderSizeTCP : len(frame)-1]
	headerByte := hdr[0]
	cmd := CommandID(uint16(hdr[1]) | uint16(hdr[2])<<8)
	payloadLen := uint16(hdr[3]) | uint16(hdr[4])<<8
	checksum := uint16(hdr[5]) | uint16(hdr[6])<<8

	decoded, err := Decode(headerByte, cmd, payloadLen, checksum, body, DefaultTCPPayloadSizeMax)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Errorf("Payload = %v, want %v", decoded.Payload, payload)
	}
	if decoded.CommandID != 5 {
		t.Errorf("CommandID = %d, want 5", decoded.CommandID)
	}
}

func TestEncodeDecode_RoundtripWithResponseAndChunkFields(t *testing.T) {
	payload := []byte("chunked payload body")
	frame, err := Encode(CommandID(9), payload, EncodeOptions{
		IsResponse: true, ResponseID: 42,
		IsChunked: true, PacketID: 7, ChunkOffset: 0, TotalLength: uint32(len(payload)),
	}, DefaultTCPPayloadSizeMax, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	hdr := frame[:HeaderSizeTCP]
	body := frame[HeaderSizeTCP : len(frame)-1]
	payloadLen := uint16(hdr[3]) | uint16(hdr[4])<<8
	checksum := uint16(hdr[5]) | uint16(hdr[6])<<8

	decoded, err := Decode(hdr[0], CommandID(9), payloadLen, checksum, body, DefaultTCPPayloadSizeMax)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !decoded.IsResponse || decoded.ResponseID != 42 {
		t.Errorf("IsResponse/ResponseID = %v/%d, want true/42", decoded.IsResponse, decoded.ResponseID)
	}
	if !decoded.IsChunked || decoded.PacketID != 7 || decoded.TotalLength != uint32(len(payload)) {
		t.Errorf("chunk fields = %+v", decoded)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Errorf("Payload = %q, want %q", decoded.Payload, payload)
	}
}

func TestEncodeDecode_CompressionAppliedOnlyWhenSmaller(t *testing.T) {
	compressible := bytes.Repeat([]byte("aaaaaaaaaa"), 200)
	frame, err := Encode(CommandID(1), compressible, EncodeOptions{Compression: CompressionLZ4}, DefaultTCPPayloadSizeMax, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	compMode, _, _, _ := unpackHeaderByte(frame[0])
	if compMode != CompressionLZ4 {
		t.Errorf("highly compressible payload was not compressed, header compression mode = %d", compMode)
	}

	hdr := frame[:HeaderSizeTCP]
	body := frame[HeaderSizeTCP : len(frame)-1]
	payloadLen := uint16(hdr[3]) | uint16(hdr[4])<<8
	checksum := uint16(hdr[5]) | uint16(hdr[6])<<8
	decoded, err := Decode(hdr[0], CommandID(1), payloadLen, checksum, body, DefaultTCPPayloadSizeMax)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded.Payload, compressible) {
		t.Error("decompressed payload does not match original")
	}
}

func TestEncodeDecode_SmallPayloadSkipsCompression(t *testing.T) {
	payload := []byte{1, 2, 3}
	frame, err := Encode(CommandID(1), payload, EncodeOptions{Compression: CompressionLZ4}, DefaultTCPPayloadSizeMax, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	compMode, _, _, _ := unpackHeaderByte(frame[0])
	if compMode != CompressionNone {
		t.Errorf("tiny incompressible payload should fall back to CompressionNone, got %d", compMode)
	}
}

func TestDecode_ChecksumMismatch(t *testing.T) {
	payload := []byte{1, 2, 3}
	frame, _ := Encode(CommandID(1), payload, EncodeOptions{}, DefaultTCPPayloadSizeMax, true)
	body := frame[HeaderSizeTCP : len(frame)-1]
	body[0] ^= 0xFF // flip a payload bit

	hdr := frame[:HeaderSizeTCP]
	payloadLen := uint16(hdr[3]) | uint16(hdr[4])<<8
	checksum := uint16(hdr[5]) | uint16(hdr[6])<<8

	if _, err := Decode(hdr[0], CommandID(1), payloadLen, checksum, body, DefaultTCPPayloadSizeMax); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Decode with flipped payload bit = %v, want ErrChecksumMismatch", err)
	}
}

func TestDecode_RejectsNonzeroEncryption(t *testing.T) {
	payload := []byte{1, 2, 3}
	frame, _ := Encode(CommandID(1), payload, EncodeOptions{}, DefaultTCPPayloadSizeMax, true)
	hdr := frame[:HeaderSizeTCP]
	body := frame[HeaderSizeTCP : len(frame)-1]
	payloadLen := uint16(hdr[3]) | uint16(hdr[4])<<8
	checksum := uint16(hdr[5]) | uint16(hdr[6])<<8

	headerWithEncryption := hdr[0] | (1 << headerEncryptionShift)
	if _, err := Decode(headerWithEncryption, CommandID(1), payloadLen, checksum, body, DefaultTCPPayloadSizeMax); !errors.Is(err, ErrEncryptionUnsupported) {
		t.Errorf("Decode with nonzero encryption = %v, want ErrEncryptionUnsupported", err)
	}
}

func TestEncode_RejectsPayloadLargerThanMax(t *testing.T) {
	payload := make([]byte, 10)
	if _, err := Encode(CommandID(1), payload, EncodeOptions{}, 4, true); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Encode over max = %v, want ErrPayloadTooLarge", err)
	}
}

func TestFold16_FoldsCarryBits(t *testing.T) {
	data := bytes.Repeat([]byte{0xFF}, 1000)
	sum := fold16(data)
	// 1000 * 0xFF = 0x3E418; folding the carry gives 0xE418 + 0x3 = 0xE41B.
	if sum != 0xE41B {
		t.Errorf("fold16 result = %#x, want 0xe41b", sum)
	}
}
