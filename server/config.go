package server

import "time"

// Config controls a server instance. The zero value is usable: fill
// replaces unset fields with defaults.
type Config struct {
	// Host to bind to (e.g. "127.0.0.1", "0.0.0.0").
	Host string

	// Port to listen on. 0 picks an ephemeral port.
	Port int

	// MaxConns caps the number of concurrently served connections.
	// Accepts beyond the cap wait until a slot frees up.
	MaxConns int

	// RequestTimeout bounds, per request, both the wire reads and the
	// wait for the consumer's response parts. 0 keeps the default;
	// negative disables the bound.
	RequestTimeout time.Duration

	// KeepAliveTimeout bounds the idle wait for the next request on a
	// kept-alive connection. 0 keeps the default; negative disables.
	KeepAliveTimeout time.Duration

	// Logger receives server diagnostics. Nil means LoggerFromEnv().
	Logger Logger
}

func fill(cfg Config) Config {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 100_000
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.KeepAliveTimeout == 0 {
		cfg.KeepAliveTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = LoggerFromEnv()
	}

	return cfg
}
