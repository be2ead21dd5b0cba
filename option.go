package wiremux

// ErrorAction tells a receive loop what to do after a non-fatal transport
// error: keep the connection and continue, or tear it down.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and keeps the connection open.
	Continue
)

// engineOptions holds the configuration shared by Server and Client,
// assembled from a functional-option chain before the engine is built.
type engineOptions struct {
	config  Config
	logger  Logger
	metrics *Metrics

	onError func(error) ErrorAction

	createClient   CreateClientFunc
	onConnected    func(peer PeerKey, state *ClientState)
	onDisconnected func(peer PeerKey, reason DisconnectReason)
}

func defaultEngineOptions() engineOptions {
	return engineOptions{
		config:         DefaultConfig(),
		onError:        func(error) ErrorAction { return Disconnect },
		createClient:   func(PeerKey) (any, bool) { return nil, true },
		onConnected:    func(PeerKey, *ClientState) {},
		onDisconnected: func(PeerKey, DisconnectReason) {},
	}
}

func (o *engineOptions) applyDefaults() {
	if o.logger == nil {
		o.logger = defaultLogger()
	}
	if o.metrics == nil {
		o.metrics = NewMetrics("wiremux")
	}
	if o.config.DispatchWorkers <= 0 {
		o.config.DispatchWorkers = DefaultConfig().DispatchWorkers
	}
}

// Option configures a Server or a Client.
type Option func(*engineOptions)

// WithConfig sets the engine's Config, overriding payload limits, ring
// buffer capacity, reassembly TTL, close linger and default timeouts.
func WithConfig(cfg Config) Option {
	return func(o *engineOptions) { o.config = cfg }
}

// WithLogger sets the engine's logger. If not set, a zerolog-backed
// default is used.
func WithLogger(logger Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithMetrics sets the engine's metric set. If not set, a fresh set of the
// engine's own under the "wiremux" namespace is created.
func WithMetrics(metrics *Metrics) Option {
	return func(o *engineOptions) { o.metrics = metrics }
}

// WithErrorHandler sets the callback invoked on a non-fatal transport
// error in a receive/write loop. Returning Disconnect closes that peer;
// Continue keeps it open.
func WithErrorHandler(cb func(error) ErrorAction) Option {
	return func(o *engineOptions) { o.onError = cb }
}

// WithCreateClient sets the server-side hook invoked on every CONNECT
// frame (spec.md §4.8). Returning accept=false rejects the connection.
func WithCreateClient(fn CreateClientFunc) Option {
	return func(o *engineOptions) { o.createClient = fn }
}

// WithOnClientConnected sets the server-side on_client_connected event,
// which strictly precedes the first user-command dispatch for that peer.
func WithOnClientConnected(fn func(peer PeerKey, state *ClientState)) Option {
	return func(o *engineOptions) { o.onConnected = fn }
}

// WithOnClientDisconnected sets the server-side on_client_disconnected
// event, which strictly follows the last dispatch for that peer.
func WithOnClientDisconnected(fn func(peer PeerKey, reason DisconnectReason)) Option {
	return func(o *engineOptions) { o.onDisconnected = fn }
}
