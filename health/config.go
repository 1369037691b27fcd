package health

// Config holds health check configuration options.
type Config struct {
	// StrictReadiness determines if degraded status should fail readiness checks
	// When true: degraded = 503
	// When false: degraded = 200 (a rate limited server still reports ready)
	StrictReadiness bool

	// Version to include in health responses
	Version string
}

// DefaultConfig returns health check configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		StrictReadiness: true,
		Version:         "ffsclient-1.0.0",
	}
}
