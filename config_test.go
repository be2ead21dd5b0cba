package wiremux

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.TCPPayloadSizeMax != DefaultTCPPayloadSizeMax {
		t.Errorf("TCPPayloadSizeMax = %d, want %d", cfg.TCPPayloadSizeMax, DefaultTCPPayloadSizeMax)
	}
	if cfg.ReassemblyTTL != ReassemblyTTL {
		t.Errorf("ReassemblyTTL = %v, want %v", cfg.ReassemblyTTL, ReassemblyTTL)
	}
	if cfg.CloseTimeout != CloseTimeout {
		t.Errorf("CloseTimeout = %v, want %v", cfg.CloseTimeout, CloseTimeout)
	}
}

func TestLoadConfigTOML_OverlaysOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wiremux.toml")
	contents := `
tcp_payload_size_max = 4096
dispatch_workers = 8
reassembly_ttl = "2s"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfigTOML(path)
	if err != nil {
		t.Fatalf("LoadConfigTOML: %v", err)
	}
	if cfg.TCPPayloadSizeMax != 4096 {
		t.Errorf("TCPPayloadSizeMax = %d, want 4096", cfg.TCPPayloadSizeMax)
	}
	if cfg.DispatchWorkers != 8 {
		t.Errorf("DispatchWorkers = %d, want 8", cfg.DispatchWorkers)
	}
	if cfg.ReassemblyTTL != 2*time.Second {
		t.Errorf("ReassemblyTTL = %v, want 2s", cfg.ReassemblyTTL)
	}
	// Fields absent from the file keep DefaultConfig's value.
	if cfg.UDPPayloadSizeMax != DefaultUDPPayloadSizeMax {
		t.Errorf("UDPPayloadSizeMax = %d, want default %d", cfg.UDPPayloadSizeMax, DefaultUDPPayloadSizeMax)
	}
	if cfg.CloseTimeout != CloseTimeout {
		t.Errorf("CloseTimeout = %v, want default %v", cfg.CloseTimeout, CloseTimeout)
	}
}

func TestLoadConfigTOML_BadDurationFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wiremux.toml")
	if err := os.WriteFile(path, []byte(`reassembly_ttl = "not-a-duration"`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadConfigTOML(path); err == nil {
		t.Error("LoadConfigTOML should fail on an unparseable duration")
	}
}

func TestLoadConfigTOML_MissingFileFails(t *testing.T) {
	if _, err := LoadConfigTOML(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("LoadConfigTOML should fail when the file does not exist")
	}
}
