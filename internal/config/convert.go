package config

import (
	"github.com/danmuck/flightctl/internal/protocol/frame"
	"github.com/danmuck/flightctl/internal/protocol/session"
)

// Session folds the top-level tls table into the bridge socket config.
func (c ServiceConfig) Session() session.Config {
	out := c.Bridge.WithDefaults()
	out.TLS = c.TLS
	return out
}

// Limits bounds flight frames served under this config.
func (c ServiceConfig) Limits() frame.Limits {
	limits := frame.DefaultLimits()
	if c.MaxFrameBytes > 0 {
		limits.MaxPayloadBytes = c.MaxFrameBytes
	}
	return limits
}

func (c ClientConfig) Session() session.Config {
	out := c.Bridge.WithDefaults()
	out.TLS = c.TLS
	return out
}
