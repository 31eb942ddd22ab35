// Package config loads the YAML configuration of the stack binaries.
package config

import (
	"bytes"
	"io"
	"log/slog"
	"math"
	"net/netip"
	"os"
	"time"

	"TUN-TCP/pkg/iptcpstack"
	"TUN-TCP/pkg/tun"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Device DeviceConfig `yaml:"device"`
	TCP    TCPConfig    `yaml:"tcp"`
	Log    LogConfig    `yaml:"log"`
	// Pcap, when set, is the file every frame in and out is captured to.
	Pcap string `yaml:"pcap"`
	// Listen lists ports bound at startup.
	Listen []uint16 `yaml:"listen"`
}

type DeviceConfig struct {
	Name string `yaml:"name"`
	MTU  int    `yaml:"mtu"`
	// Address is a prefix such as 192.168.0.1/24. Empty leaves the
	// interface unconfigured.
	Address string `yaml:"address"`
}

type TCPConfig struct {
	SendQueueSize    int           `yaml:"send_queue_size"`
	ReceiveWindow    int           `yaml:"receive_window"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	TimeWait         time.Duration `yaml:"time_wait"`
	OrphanTimeout    time.Duration `yaml:"orphan_timeout"`
	CloseOnEstablish bool          `yaml:"close_on_establish"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Device: DeviceConfig{
			Name: "tun0",
			MTU:  tun.DefaultMTU,
		},
		TCP: TCPConfig{
			SendQueueSize: iptcpstack.DefaultSendQueueSize,
			ReceiveWindow: iptcpstack.DefaultReceiveWindow,
			PollTimeout:   iptcpstack.DefaultPollTimeout,
			TimeWait:      iptcpstack.DefaultTimeWait,
			OrphanTimeout: iptcpstack.DefaultOrphanTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Overrides carries command-line values. Empty fields keep what the file or
// the defaults set.
type Overrides struct {
	TunName   string
	Address   string
	Pcap      string
	LogLevel  string
	LogFormat string
}

// Apply copies the non-empty overrides into c.
func (c *Config) Apply(o Overrides) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Device.Name, o.TunName)
	set(&c.Device.Address, o.Address)
	set(&c.Pcap, o.Pcap)
	set(&c.Log.Level, o.LogLevel)
	set(&c.Log.Format, o.LogFormat)
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse is Decode over a byte slice.
func Parse(data []byte) (Config, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads YAML over the defaults. Unknown keys are rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, errors.Wrap(err, "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Device.MTU < 68 || c.Device.MTU > math.MaxUint16 {
		return errors.Errorf("device.mtu %d out of range", c.Device.MTU)
	}
	if c.Device.Address != "" {
		p, err := netip.ParsePrefix(c.Device.Address)
		if err != nil {
			return errors.Wrap(err, "device.address")
		}
		if !p.Addr().Is4() {
			return errors.Errorf("device.address %s is not IPv4", p)
		}
	}
	if c.TCP.SendQueueSize <= 0 {
		return errors.Errorf("tcp.send_queue_size %d must be positive", c.TCP.SendQueueSize)
	}
	if c.TCP.ReceiveWindow <= 0 || c.TCP.ReceiveWindow > math.MaxUint16 {
		return errors.Errorf("tcp.receive_window %d out of range (1-65535)", c.TCP.ReceiveWindow)
	}
	if c.TCP.PollTimeout <= 0 || c.TCP.TimeWait <= 0 || c.TCP.OrphanTimeout <= 0 {
		return errors.New("tcp timeouts must be positive")
	}
	seen := make(map[uint16]bool)
	for _, port := range c.Listen {
		if port == 0 || seen[port] {
			return errors.Errorf("listen: bad or duplicate port %d", port)
		}
		seen[port] = true
	}
	return nil
}

// TunConfig is the device part of the configuration.
func (c Config) TunConfig() tun.Config {
	cfg := tun.Config{Name: c.Device.Name, MTU: c.Device.MTU}
	if c.Device.Address != "" {
		cfg.Address = netip.MustParsePrefix(c.Device.Address)
	}
	return cfg
}

// StackConfig is the TCP part of the configuration.
func (c Config) StackConfig(logger *slog.Logger) iptcpstack.Config {
	return iptcpstack.Config{
		SendQueueSize:    c.TCP.SendQueueSize,
		ReceiveWindow:    c.TCP.ReceiveWindow,
		PollTimeout:      c.TCP.PollTimeout,
		TimeWait:         c.TCP.TimeWait,
		OrphanTimeout:    c.TCP.OrphanTimeout,
		CloseOnEstablish: c.TCP.CloseOnEstablish,
		Logger:           logger,
	}
}
