package wiremux

import "encoding/binary"

// Deserializer decodes a raw payload into an application-defined value. It
// returns a non-nil error if the payload cannot be decoded; the registry
// treats a deserialization failure the same as any other decode error and
// drops the frame without invoking subscribers.
type Deserializer func(payload []byte) (any, error)

// Subscriber handles one decoded message for a command id. It returns
// false to request automatic unsubscription after this call (one-shot
// semantics); true to remain subscribed.
type Subscriber func(msg Message) bool

// PeerKey identifies a remote endpoint: the string form of a TCP
// connection's remote address, or a UDP source address.
type PeerKey string

// Message is one fully decoded, dispatch-ready unit handed to a
// Subscriber or awaited by SendR.
type Message struct {
	Peer       PeerKey
	CommandID  CommandID
	ResponseID uint32
	Payload    []byte
	Decoded    any
}

// Reserved command payloads, decoded with fixed layouts per spec.md §4.10.

// PingPayload is the body of a PING frame.
type PingPayload struct {
	Timestamp int64
}

// UDPConnectPayload is the body of a UDP_CONNECT frame.
type UDPConnectPayload struct {
	PeerAssignedID uint64
}

// ClientInfoPayload is the body of a CLIENT_INFO frame.
type ClientInfoPayload struct {
	ClientID int64
	Name     string
}

// encodePing lays out a PingPayload as 8 little-endian bytes.
func encodePing(p PingPayload) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(p.Timestamp))
	return buf
}

// decodePing is the Deserializer for PING (client-side fixed layout,
// spec.md §4.10).
func decodePing(payload []byte) (any, error) {
	if len(payload) < 8 {
		return nil, errWrap(ErrShortHeader, "decode ping")
	}
	return PingPayload{Timestamp: int64(binary.LittleEndian.Uint64(payload[:8]))}, nil
}

// decodeUDPConnect is the Deserializer for UDP_CONNECT.
func decodeUDPConnect(payload []byte) (any, error) {
	if len(payload) < 8 {
		return nil, errWrap(ErrShortHeader, "decode udp_connect")
	}
	return UDPConnectPayload{PeerAssignedID: binary.LittleEndian.Uint64(payload[:8])}, nil
}

func encodeUDPConnect(p UDPConnectPayload) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, p.PeerAssignedID)
	return buf
}

// decodeClientInfo is the Deserializer for CLIENT_INFO: an 8-byte id
// followed by a length-prefixed (2-byte) UTF-8 name.
func decodeClientInfo(payload []byte) (any, error) {
	if len(payload) < 10 {
		return nil, errWrap(ErrShortHeader, "decode client_info")
	}
	id := int64(binary.LittleEndian.Uint64(payload[:8]))
	nameLen := int(binary.LittleEndian.Uint16(payload[8:10]))
	if len(payload) < 10+nameLen {
		return nil, errWrap(ErrShortHeader, "decode client_info name")
	}
	return ClientInfoPayload{ClientID: id, Name: string(payload[10 : 10+nameLen])}, nil
}

func encodeClientInfo(p ClientInfoPayload) []byte {
	buf := make([]byte, 10+len(p.Name))
	binary.LittleEndian.PutUint64(buf[:8], uint64(p.ClientID))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(p.Name)))
	copy(buf[10:], p.Name)
	return buf
}
