package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/scturtle/usblink/pkg/dataconn"
	"github.com/scturtle/usblink/pkg/types"
	"github.com/scturtle/usblink/pkg/util"
)

const (
	DefaultListen = "localhost:9520"
	DefaultBaud   = 115200
	DefaultDir    = "."
)

// Config holds the serve settings. Values from a file are defaults that
// command line flags override.
type Config struct {
	Transport     string
	Listen        string
	Device        string
	Baud          int
	CheckDSR      bool
	Dir           string
	HeaderTimeout time.Duration
	DataTimeout   time.Duration
	MaxChunkSize  uint32
	IdleBackoff   time.Duration
	StatusListen  string
}

type fileConfig struct {
	Transport     string `toml:"transport"`
	Listen        string `toml:"listen"`
	Device        string `toml:"device"`
	Baud          int    `toml:"baud"`
	CheckDSR      bool   `toml:"check_dsr"`
	Dir           string `toml:"dir"`
	HeaderTimeout string `toml:"header_timeout"`
	DataTimeout   string `toml:"data_timeout"`
	MaxChunkSize  string `toml:"max_chunk_size"`
	IdleBackoff   string `toml:"idle_backoff"`
	StatusListen  string `toml:"status_listen"`
}

func Default() Config {
	return Config{
		Transport:     types.TransportTypeTCP,
		Listen:        DefaultListen,
		Baud:          DefaultBaud,
		Dir:           DefaultDir,
		HeaderTimeout: types.DefaultHeaderTimeout,
		DataTimeout:   types.DefaultDataTimeout,
		MaxChunkSize:  dataconn.MaxChunkSize,
	}
}

// Load reads a TOML file over Default. Keys missing from the file keep their
// default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to load config %v", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("unknown key %v in config %v", undecoded[0], path)
	}

	if meta.IsDefined("transport") {
		cfg.Transport = strings.TrimSpace(raw.Transport)
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("device") {
		cfg.Device = strings.TrimSpace(raw.Device)
	}
	if meta.IsDefined("baud") {
		cfg.Baud = raw.Baud
	}
	if meta.IsDefined("check_dsr") {
		cfg.CheckDSR = raw.CheckDSR
	}
	if meta.IsDefined("dir") {
		cfg.Dir = strings.TrimSpace(raw.Dir)
	}
	if meta.IsDefined("status_listen") {
		cfg.StatusListen = strings.TrimSpace(raw.StatusListen)
	}

	durations := []struct {
		key   string
		value string
		out   *time.Duration
	}{
		{"header_timeout", raw.HeaderTimeout, &cfg.HeaderTimeout},
		{"data_timeout", raw.DataTimeout, &cfg.DataTimeout},
		{"idle_backoff", raw.IdleBackoff, &cfg.IdleBackoff},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		if *d.out, err = util.ParseTimeout(d.value); err != nil {
			return Config{}, errors.Wrapf(err, "failed to parse %v", d.key)
		}
	}

	if meta.IsDefined("max_chunk_size") {
		if cfg.MaxChunkSize, err = util.ParseSize(raw.MaxChunkSize); err != nil {
			return Config{}, errors.Wrap(err, "failed to parse max_chunk_size")
		}
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Transport {
	case types.TransportTypeTCP:
		if c.Listen == "" {
			return errors.New("listen address is required for tcp transport")
		}
	case types.TransportTypeSerial:
		if c.Device == "" {
			return errors.New("device is required for serial transport")
		}
		if c.Baud <= 0 {
			return errors.Errorf("invalid baud rate %v", c.Baud)
		}
	default:
		return errors.Errorf("unsupported transport %q", c.Transport)
	}
	if c.Dir == "" {
		return errors.New("destination directory is required")
	}
	if c.HeaderTimeout <= 0 {
		return errors.New("header timeout must be positive")
	}
	if c.DataTimeout <= 0 {
		return errors.New("data timeout must be positive")
	}
	if c.MaxChunkSize == 0 || c.MaxChunkSize > dataconn.MaxChunkSize {
		return errors.Errorf("max chunk size %v out of range 1-%v", c.MaxChunkSize, dataconn.MaxChunkSize)
	}
	return nil
}
