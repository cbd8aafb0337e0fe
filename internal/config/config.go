package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/flightctl/internal/protocol/session"
	pelletier "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

var ErrInvalid = errors.New("config: invalid")

// ServiceConfig configures `flightctl serve`.
type ServiceConfig struct {
	Name        string
	Addr        string
	CorsOrigins []string
	AuthToken   string
	// ModuleRoot is the base every server action id must live under.
	ModuleRoot     string
	RequestTimeout time.Duration
	PollInterval   time.Duration
	MaxFrameBytes  uint64
	TLS            session.TLSConfig
	Bridge         session.Config
}

// ClientConfig configures the commands that dial a running server.
type ClientConfig struct {
	URL            string
	Peer           string
	AuthToken      string
	RequestTimeout time.Duration
	PollInterval   time.Duration
	TLS            session.TLSConfig
	Bridge         session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:           "flightctl",
		Addr:           ":9400",
		CorsOrigins:    []string{"http://localhost:3000"},
		ModuleRoot:     "app/",
		RequestTimeout: 10 * time.Second,
		PollInterval:   time.Second,
		MaxFrameBytes:  16 * 1024 * 1024,
		Bridge:         session.DefaultConfig(),
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:            "ws://localhost:9400/bridge",
		Peer:           "flightctl-cli",
		RequestTimeout: 10 * time.Second,
		PollInterval:   time.Second,
		Bridge:         session.DefaultConfig(),
	}
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name,omitempty"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify,omitempty"`
}

type fileBridge struct {
	SecurityMode      string `toml:"security_mode"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	ReadTimeout       string `toml:"read_timeout"`
	WriteTimeout      string `toml:"write_timeout"`
	BackoffInitial    string `toml:"backoff_initial"`
	BackoffMax        string `toml:"backoff_max"`
	MaxAttempts       int    `toml:"max_attempts"`
}

// fileConfig is the on-disk shape shared by both config kinds.
type fileConfig struct {
	Name           string     `toml:"name,omitempty"`
	Addr           string     `toml:"addr,omitempty"`
	URL            string     `toml:"url,omitempty"`
	Peer           string     `toml:"peer,omitempty"`
	CorsOrigins    []string   `toml:"cors_origins,omitempty"`
	AuthToken      string     `toml:"auth_token,omitempty"`
	ModuleRoot     string     `toml:"module_root,omitempty"`
	RequestTimeout string     `toml:"request_timeout"`
	PollInterval   string     `toml:"poll_interval"`
	MaxFrameBytes  uint64     `toml:"max_frame_bytes,omitempty"`
	TLS            fileTLS    `toml:"tls"`
	Bridge         fileBridge `toml:"bridge"`
}

// overlay applies the keys present in a decoded file.
type overlay struct {
	meta toml.MetaData
	raw  fileConfig
	err  error
}

func decode(path string) (*overlay, error) {
	o := &overlay{}
	meta, err := toml.DecodeFile(path, &o.raw)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	o.meta = meta
	for _, key := range meta.Undecoded() {
		log.Warn().Str("file", path).Str("key", key.String()).Msg("config: ignoring unknown key")
	}
	return o, nil
}

func (o *overlay) defined(key ...string) bool {
	return o.meta.IsDefined(key...)
}

func (o *overlay) str(dst *string, value string, key ...string) {
	if o.defined(key...) {
		if v := strings.TrimSpace(value); v != "" {
			*dst = v
		}
	}
}

func (o *overlay) duration(dst *time.Duration, value string, key ...string) {
	if o.err != nil || !o.defined(key...) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		o.err = fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		return
	}
	*dst = d
}

func (o *overlay) tls(dst *session.TLSConfig) {
	t := o.raw.TLS
	if o.defined("tls", "enabled") {
		dst.Enabled = t.Enabled
	}
	if o.defined("tls", "mutual") {
		dst.Mutual = t.Mutual
	}
	o.str(&dst.CAFile, t.CAFile, "tls", "ca_file")
	o.str(&dst.CertFile, t.CertFile, "tls", "cert_file")
	o.str(&dst.KeyFile, t.KeyFile, "tls", "key_file")
	o.str(&dst.ServerName, t.ServerName, "tls", "server_name")
	if o.defined("tls", "insecure_skip_verify") {
		dst.InsecureSkipVerify = t.InsecureSkipVerify
	}
}

func (o *overlay) bridge(dst *session.Config) {
	b := o.raw.Bridge
	if o.defined("bridge", "security_mode") {
		dst.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(strings.TrimSpace(b.SecurityMode)))
	}
	o.duration(&dst.HeartbeatInterval, b.HeartbeatInterval, "bridge", "heartbeat_interval")
	o.duration(&dst.SessionDeadAfter, b.ReadTimeout, "bridge", "read_timeout")
	o.duration(&dst.WriteTimeout, b.WriteTimeout, "bridge", "write_timeout")
	o.duration(&dst.Backoff.InitialDelay, b.BackoffInitial, "bridge", "backoff_initial")
	o.duration(&dst.Backoff.MaxDelay, b.BackoffMax, "bridge", "backoff_max")
	if o.defined("bridge", "max_attempts") {
		dst.Backoff.MaxAttempts = b.MaxAttempts
	}
}

// LoadServiceConfig reads path over DefaultServiceConfig. Only keys present
// in the file override defaults.
func LoadServiceConfig(path string) (ServiceConfig, error) {
	cfg := DefaultServiceConfig()
	o, err := decode(path)
	if err != nil {
		return ServiceConfig{}, err
	}
	raw := o.raw
	o.str(&cfg.Name, raw.Name, "name")
	o.str(&cfg.Addr, raw.Addr, "addr")
	if o.defined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	o.str(&cfg.AuthToken, raw.AuthToken, "auth_token")
	o.str(&cfg.ModuleRoot, raw.ModuleRoot, "module_root")
	o.duration(&cfg.RequestTimeout, raw.RequestTimeout, "request_timeout")
	o.duration(&cfg.PollInterval, raw.PollInterval, "poll_interval")
	if o.defined("max_frame_bytes") {
		cfg.MaxFrameBytes = raw.MaxFrameBytes
	}
	o.tls(&cfg.TLS)
	o.bridge(&cfg.Bridge)
	if o.err != nil {
		return ServiceConfig{}, o.err
	}
	if err := ValidateServiceConfig(cfg); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

// LoadClientConfig reads path over DefaultClientConfig.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	o, err := decode(path)
	if err != nil {
		return ClientConfig{}, err
	}
	raw := o.raw
	o.str(&cfg.URL, raw.URL, "url")
	o.str(&cfg.Peer, raw.Peer, "peer")
	o.str(&cfg.AuthToken, raw.AuthToken, "auth_token")
	o.duration(&cfg.RequestTimeout, raw.RequestTimeout, "request_timeout")
	o.duration(&cfg.PollInterval, raw.PollInterval, "poll_interval")
	o.tls(&cfg.TLS)
	o.bridge(&cfg.Bridge)
	if o.err != nil {
		return ClientConfig{}, o.err
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func ValidateServiceConfig(cfg ServiceConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalid)
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("%w: missing addr", ErrInvalid)
	}
	if strings.TrimSpace(cfg.ModuleRoot) == "" {
		return fmt.Errorf("%w: missing module_root", ErrInvalid)
	}
	if cfg.RequestTimeout <= 0 || cfg.PollInterval <= 0 {
		return fmt.Errorf("%w: request_timeout and poll_interval must be positive", ErrInvalid)
	}
	if cfg.MaxFrameBytes == 0 {
		return fmt.Errorf("%w: max_frame_bytes must be positive", ErrInvalid)
	}
	if err := cfg.Session().ValidateServerTransport(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	u := strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return fmt.Errorf("%w: url must be ws:// or wss://, got %q", ErrInvalid, cfg.URL)
	}
	if cfg.RequestTimeout <= 0 || cfg.PollInterval <= 0 {
		return fmt.Errorf("%w: request_timeout and poll_interval must be positive", ErrInvalid)
	}
	if err := cfg.Session().ValidateClientTransport(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Marshal renders cfg in the file format LoadServiceConfig reads.
func Marshal(cfg ServiceConfig) ([]byte, error) {
	out := fileConfig{
		Name:           cfg.Name,
		Addr:           cfg.Addr,
		CorsOrigins:    cfg.CorsOrigins,
		AuthToken:      redact(cfg.AuthToken),
		ModuleRoot:     cfg.ModuleRoot,
		RequestTimeout: cfg.RequestTimeout.String(),
		PollInterval:   cfg.PollInterval.String(),
		MaxFrameBytes:  cfg.MaxFrameBytes,
		TLS:            fromTLS(cfg.TLS),
		Bridge:         fromBridge(cfg.Bridge),
	}
	return pelletier.Marshal(out)
}

// MarshalClient renders cfg in the file format LoadClientConfig reads.
func MarshalClient(cfg ClientConfig) ([]byte, error) {
	out := fileConfig{
		URL:            cfg.URL,
		Peer:           cfg.Peer,
		AuthToken:      redact(cfg.AuthToken),
		RequestTimeout: cfg.RequestTimeout.String(),
		PollInterval:   cfg.PollInterval.String(),
		TLS:            fromTLS(cfg.TLS),
		Bridge:         fromBridge(cfg.Bridge),
	}
	return pelletier.Marshal(out)
}

func redact(token string) string {
	if token == "" {
		return ""
	}
	return "<redacted>"
}

func fromTLS(t session.TLSConfig) fileTLS {
	return fileTLS{
		Enabled:            t.Enabled,
		Mutual:             t.Mutual,
		CAFile:             t.CAFile,
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
}

func fromBridge(c session.Config) fileBridge {
	return fileBridge{
		SecurityMode:      string(session.NormalizeSecurityMode(c.SecurityMode)),
		HeartbeatInterval: c.HeartbeatInterval.String(),
		ReadTimeout:       c.SessionDeadAfter.String(),
		WriteTimeout:      c.WriteTimeout.String(),
		BackoffInitial:    c.Backoff.InitialDelay.String(),
		BackoffMax:        c.Backoff.MaxDelay.String(),
		MaxAttempts:       c.Backoff.MaxAttempts,
	}
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
