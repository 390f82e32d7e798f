package config

import "context"

type contextKey struct{}

// WithConfig returns a copy of ctx carrying cfg.
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext returns the Config carried by ctx or a Config with defaults if there is none.
func FromContext(ctx context.Context) *Config {
	if ctx != nil {
		if cfg, ok := ctx.Value(contextKey{}).(*Config); ok {
			return cfg
		}
	}

	cfg, err := Load(New(""))
	if err != nil {
		return &Config{}
	}

	return cfg
}
