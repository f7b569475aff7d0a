package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	TransportSocket = "socket"
	TransportSPI    = "spi"
)

type Config struct {
	Link     LinkConfig
	Fragment FragmentConfig
	Host     HostConfig
	Tap      TapConfig
}

type LinkConfig struct {
	Transport     string
	SocketPath    string
	ReadBuffer    int
	SPIFrameSize  int
	SPIWait       time.Duration
	QueueCapacity int
	MaxPayload    int
}

type FragmentConfig struct {
	Threshold       int
	MaxChunkPayload int
	MaxConcurrent   int
	Timeout         time.Duration
}

type HostConfig struct {
	Name         string
	PollInterval time.Duration
	StatusAddr   string
	CorsOrigins  []string
}

// TapConfig mirrors received messages onto NATS when URL is set.
type TapConfig struct {
	URL           string
	SubjectPrefix string
}

func (t TapConfig) Enabled() bool {
	return strings.TrimSpace(t.URL) != ""
}

func DefaultConfig() Config {
	return Config{
		Link: LinkConfig{
			Transport:     TransportSocket,
			SocketPath:    "/tmp/fmrb_socket",
			ReadBuffer:    4096,
			SPIFrameSize:  64,
			QueueCapacity: 128,
			MaxPayload:    4096,
		},
		Fragment: FragmentConfig{
			Threshold:       200,
			MaxChunkPayload: 230,
			MaxConcurrent:   4,
			Timeout:         5 * time.Second,
		},
		Host: HostConfig{
			Name:         "hostlinkd",
			PollInterval: time.Millisecond,
		},
		Tap: TapConfig{
			SubjectPrefix: "hostlink",
		},
	}
}

// fileConfig is the on-disk shape. Durations are Go duration strings.
type fileConfig struct {
	Link struct {
		Transport     string `toml:"transport"`
		SocketPath    string `toml:"socket_path"`
		ReadBuffer    int    `toml:"read_buffer"`
		SPIFrameSize  int    `toml:"spi_frame_size"`
		SPIWait       string `toml:"spi_wait"`
		QueueCapacity int    `toml:"queue_capacity"`
		MaxPayload    int    `toml:"max_payload"`
	} `toml:"link"`
	Fragment struct {
		Threshold       int    `toml:"threshold"`
		MaxChunkPayload int    `toml:"max_chunk_payload"`
		MaxConcurrent   int    `toml:"max_concurrent"`
		Timeout         string `toml:"timeout"`
	} `toml:"fragment"`
	Host struct {
		Name         string   `toml:"name"`
		PollInterval string   `toml:"poll_interval"`
		StatusAddr   string   `toml:"status_addr"`
		CorsOrigins  []string `toml:"cors_origins"`
	} `toml:"host"`
	Tap struct {
		NATSURL       string `toml:"nats_url"`
		SubjectPrefix string `toml:"subject_prefix"`
	} `toml:"tap"`
}

// Load overlays the keys present in path onto DefaultConfig and validates
// the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown key %s", path, undecoded[0])
	}

	if meta.IsDefined("link", "transport") {
		cfg.Link.Transport = strings.ToLower(strings.TrimSpace(raw.Link.Transport))
	}
	if meta.IsDefined("link", "socket_path") {
		cfg.Link.SocketPath = strings.TrimSpace(raw.Link.SocketPath)
	}
	if meta.IsDefined("link", "read_buffer") {
		cfg.Link.ReadBuffer = raw.Link.ReadBuffer
	}
	if meta.IsDefined("link", "spi_frame_size") {
		cfg.Link.SPIFrameSize = raw.Link.SPIFrameSize
	}
	if meta.IsDefined("link", "spi_wait") {
		if cfg.Link.SPIWait, err = parseDuration("link.spi_wait", raw.Link.SPIWait); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("link", "queue_capacity") {
		cfg.Link.QueueCapacity = raw.Link.QueueCapacity
	}
	if meta.IsDefined("link", "max_payload") {
		cfg.Link.MaxPayload = raw.Link.MaxPayload
	}

	if meta.IsDefined("fragment", "threshold") {
		cfg.Fragment.Threshold = raw.Fragment.Threshold
	}
	if meta.IsDefined("fragment", "max_chunk_payload") {
		cfg.Fragment.MaxChunkPayload = raw.Fragment.MaxChunkPayload
	}
	if meta.IsDefined("fragment", "max_concurrent") {
		cfg.Fragment.MaxConcurrent = raw.Fragment.MaxConcurrent
	}
	if meta.IsDefined("fragment", "timeout") {
		if cfg.Fragment.Timeout, err = parseDuration("fragment.timeout", raw.Fragment.Timeout); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("host", "name") {
		cfg.Host.Name = strings.TrimSpace(raw.Host.Name)
	}
	if meta.IsDefined("host", "poll_interval") {
		if cfg.Host.PollInterval, err = parseDuration("host.poll_interval", raw.Host.PollInterval); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("host", "status_addr") {
		cfg.Host.StatusAddr = strings.TrimSpace(raw.Host.StatusAddr)
	}
	if meta.IsDefined("host", "cors_origins") {
		cfg.Host.CorsOrigins = normalizeList(raw.Host.CorsOrigins)
	}

	if meta.IsDefined("tap", "nats_url") {
		cfg.Tap.URL = strings.TrimSpace(raw.Tap.NATSURL)
	}
	if meta.IsDefined("tap", "subject_prefix") {
		cfg.Tap.SubjectPrefix = strings.TrimSpace(raw.Tap.SubjectPrefix)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func Validate(cfg Config) error {
	if err := ValidateLink(cfg.Link); err != nil {
		return fmt.Errorf("link config invalid: %w", err)
	}
	if err := ValidateFragment(cfg.Fragment); err != nil {
		return fmt.Errorf("fragment config invalid: %w", err)
	}
	if cfg.Host.PollInterval <= 0 {
		return fmt.Errorf("host config invalid: poll_interval must be positive")
	}
	if cfg.Tap.Enabled() && strings.TrimSpace(cfg.Tap.SubjectPrefix) == "" {
		return fmt.Errorf("tap config invalid: subject_prefix required when nats_url is set")
	}
	return nil
}

func ValidateLink(cfg LinkConfig) error {
	switch cfg.Transport {
	case TransportSocket:
		if strings.TrimSpace(cfg.SocketPath) == "" {
			return fmt.Errorf("socket_path is required for socket transport")
		}
		if cfg.ReadBuffer <= 0 {
			return fmt.Errorf("read_buffer must be positive")
		}
	case TransportSPI:
		if cfg.SPIFrameSize <= 0 {
			return fmt.Errorf("spi_frame_size must be positive")
		}
		if cfg.SPIWait < 0 {
			return fmt.Errorf("spi_wait must not be negative")
		}
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if cfg.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive")
	}
	if cfg.MaxPayload <= 0 {
		return fmt.Errorf("max_payload must be positive")
	}
	return nil
}

func ValidateFragment(cfg FragmentConfig) error {
	if cfg.Threshold <= 0 || cfg.MaxChunkPayload <= 0 {
		return fmt.Errorf("threshold and max_chunk_payload must be positive")
	}
	if cfg.MaxChunkPayload > 0xFFFF {
		return fmt.Errorf("max_chunk_payload %d does not fit chunk_len", cfg.MaxChunkPayload)
	}
	if cfg.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}
