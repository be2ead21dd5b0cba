package wiremux

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries every tunable spec.md requires to be configurable: payload
// size limits, ring buffer sizing, reassembly TTL, close linger, and the
// default request timeout. The zero value is not ready to use; start from
// DefaultConfig.
type Config struct {
	TCPPayloadSizeMax int
	UDPPayloadSizeMax int

	// RingBufferCapacity is the requested capacity for each per-peer ring
	// buffer; the actual capacity is rounded up to the next power of two by
	// NewRingBuffer, and never allowed below MaxFrameSize(payload max) for
	// that transport, since a ring smaller than one full frame can never
	// drain it.
	RingBufferCapacity int

	ReassemblyTTL         time.Duration
	CloseTimeout          time.Duration
	DefaultRequestTimeout time.Duration

	// DispatchWorkers bounds how many goroutines may run subscriber and
	// deserializer callbacks concurrently. Zero means DefaultConfig's
	// value is substituted by NewServer/NewClient.
	DispatchWorkers int
}

// DefaultConfig returns the spec-mandated defaults (§6): TCP/UDP payload
// ceilings, a 10s close linger, a 60s request timeout and a 1500ms
// reassembly TTL.
func DefaultConfig() Config {
	return Config{
		TCPPayloadSizeMax:     DefaultTCPPayloadSizeMax,
		UDPPayloadSizeMax:     DefaultUDPPayloadSizeMax,
		RingBufferCapacity:    64 * 1024,
		ReassemblyTTL:         ReassemblyTTL,
		CloseTimeout:          CloseTimeout,
		DefaultRequestTimeout: DefaultRequestTimeout,
		DispatchWorkers:       32,
	}
}

// fileConfig mirrors Config's fields with TOML tags and string-encoded
// durations, following the overlay-over-defaults pattern used by the
// retrieval pack's ghostctl/miragectl config loaders.
type fileConfig struct {
	TCPPayloadSizeMax     int    `toml:"tcp_payload_size_max"`
	UDPPayloadSizeMax     int    `toml:"udp_payload_size_max"`
	RingBufferCapacity    int    `toml:"ring_buffer_capacity"`
	ReassemblyTTL         string `toml:"reassembly_ttl"`
	CloseTimeout          string `toml:"close_timeout"`
	DefaultRequestTimeout string `toml:"default_request_timeout"`
	DispatchWorkers       int    `toml:"dispatch_workers"`
}

// LoadConfigTOML overlays the TOML file at path onto DefaultConfig(),
// leaving any field the file doesn't mention at its default value.
func LoadConfigTOML(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("wiremux: load config %s: %w", path, err)
	}

	if meta.IsDefined("tcp_payload_size_max") {
		cfg.TCPPayloadSizeMax = raw.TCPPayloadSizeMax
	}
	if meta.IsDefined("udp_payload_size_max") {
		cfg.UDPPayloadSizeMax = raw.UDPPayloadSizeMax
	}
	if meta.IsDefined("ring_buffer_capacity") {
		cfg.RingBufferCapacity = raw.RingBufferCapacity
	}
	if meta.IsDefined("dispatch_workers") {
		cfg.DispatchWorkers = raw.DispatchWorkers
	}
	if meta.IsDefined("reassembly_ttl") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReassemblyTTL))
		if err != nil {
			return Config{}, fmt.Errorf("wiremux: parse reassembly_ttl: %w", err)
		}
		cfg.ReassemblyTTL = d
	}
	if meta.IsDefined("close_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CloseTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("wiremux: parse close_timeout: %w", err)
		}
		cfg.CloseTimeout = d
	}
	if meta.IsDefined("default_request_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DefaultRequestTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("wiremux: parse default_request_timeout: %w", err)
		}
		cfg.DefaultRequestTimeout = d
	}

	return cfg, nil
}
