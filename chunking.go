package wiremux

// chunkSpec describes one slice of a multi-chunk payload to be encoded as
// its own chunked frame, per spec.md §4.9's "successive chunked frames of
// size max_payload_size, last chunk carrying the remainder".
type chunkSpec struct {
	Offset uint32
	Data   []byte
}

// splitChunks divides payload into chunks of at most mtu bytes each. It is
// only called once the caller has established payload exceeds mtu.
func splitChunks(payload []byte, mtu int) []chunkSpec {
	if mtu <= 0 {
		mtu = len(payload)
	}
	chunks := make([]chunkSpec, 0, (len(payload)+mtu-1)/mtu)
	for offset := 0; offset < len(payload); offset += mtu {
		end := offset + mtu
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, chunkSpec{Offset: uint32(offset), Data: payload[offset:end]})
	}
	return chunks
}
