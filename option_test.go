package wiremux

import (
	"errors"
	"testing"
)

func TestDefaultEngineOptions(t *testing.T) {
	o := defaultEngineOptions()

	if o.onError == nil {
		t.Fatal("onError should have a default value")
	}
	if o.onError(errors.New("boom")) != Disconnect {
		t.Error("default onError should return Disconnect")
	}

	data, accept := o.createClient(PeerKey("1.2.3.4:9"))
	if !accept {
		t.Error("default createClient should accept")
	}
	if data != nil {
		t.Error("default createClient should attach no data")
	}

	// onConnected/onDisconnected must be safely callable even unconfigured.
	o.onConnected(PeerKey("x"), &ClientState{})
	o.onDisconnected(PeerKey("x"), ReasonGraceful)
}

func TestEngineOptions_ApplyDefaults(t *testing.T) {
	var o engineOptions
	o.applyDefaults()

	if o.logger == nil {
		t.Error("applyDefaults should install a default logger")
	}
	if o.metrics == nil {
		t.Error("applyDefaults should install default metrics")
	}
	if o.config.DispatchWorkers != DefaultConfig().DispatchWorkers {
		t.Errorf("DispatchWorkers = %d, want %d", o.config.DispatchWorkers, DefaultConfig().DispatchWorkers)
	}
}

func TestEngineOptions_ApplyDefaultsPreservesExplicitConfig(t *testing.T) {
	o := defaultEngineOptions()
	WithConfig(Config{DispatchWorkers: 7})(&o)
	o.applyDefaults()

	if o.config.DispatchWorkers != 7 {
		t.Errorf("DispatchWorkers = %d, want 7 (explicit config must survive applyDefaults)", o.config.DispatchWorkers)
	}
}

func TestWithMetrics(t *testing.T) {
	m := NewMetrics("test_with_metrics")
	o := defaultEngineOptions()
	WithMetrics(m)(&o)

	if o.metrics != m {
		t.Error("metrics not set correctly")
	}
}

func TestWithErrorHandler(t *testing.T) {
	called := false
	o := defaultEngineOptions()
	WithErrorHandler(func(error) ErrorAction {
		called = true
		return Continue
	})(&o)

	if o.onError(nil) != Continue {
		t.Error("custom onError should return Continue")
	}
	if !called {
		t.Error("custom onError callback not invoked")
	}
}

func TestWithCreateClient(t *testing.T) {
	o := defaultEngineOptions()
	WithCreateClient(func(peer PeerKey) (any, bool) {
		return "attached", peer == PeerKey("ok")
	})(&o)

	data, accept := o.createClient(PeerKey("ok"))
	if !accept || data != "attached" {
		t.Errorf("createClient(ok) = (%v, %v), want (attached, true)", data, accept)
	}
	if _, accept := o.createClient(PeerKey("nope")); accept {
		t.Error("createClient(nope) should reject")
	}
}

func TestWithOnClientConnectedAndDisconnected(t *testing.T) {
	var connectedPeer, disconnectedPeer PeerKey
	var reason DisconnectReason

	o := defaultEngineOptions()
	WithOnClientConnected(func(peer PeerKey, state *ClientState) { connectedPeer = peer })(&o)
	WithOnClientDisconnected(func(peer PeerKey, r DisconnectReason) {
		disconnectedPeer = peer
		reason = r
	})(&o)

	o.onConnected(PeerKey("peer-a"), &ClientState{})
	o.onDisconnected(PeerKey("peer-b"), ReasonTimeoutReset)

	if connectedPeer != PeerKey("peer-a") {
		t.Errorf("connectedPeer = %q, want peer-a", connectedPeer)
	}
	if disconnectedPeer != PeerKey("peer-b") || reason != ReasonTimeoutReset {
		t.Errorf("disconnectedPeer/reason = %q/%v, want peer-b/%v", disconnectedPeer, reason, ReasonTimeoutReset)
	}
}

func TestErrorAction_Constants(t *testing.T) {
	if Disconnect != 0 {
		t.Errorf("Disconnect = %d, want 0", Disconnect)
	}
	if Continue != 1 {
		t.Errorf("Continue = %d, want 1", Continue)
	}
}

func TestWithConfig(t *testing.T) {
	cfg := Config{TCPPayloadSizeMax: 123}
	o := defaultEngineOptions()
	WithConfig(cfg)(&o)

	if o.config.TCPPayloadSizeMax != 123 {
		t.Errorf("TCPPayloadSizeMax = %d, want 123", o.config.TCPPayloadSizeMax)
	}
}
