// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/tap/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `tap:` root key in YAML.
type GlobalConfig struct {
	Node       NodeConfig       `mapstructure:"node" yaml:"node"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Bus        BusConfig        `mapstructure:"bus" yaml:"bus"`
	Processors ProcessorsConfig `mapstructure:"processors" yaml:"processors"`
	Tables     TablesConfig     `mapstructure:"tables" yaml:"tables"`
	Context    ContextConfig    `mapstructure:"context" yaml:"context"`
	Link       LinkConfig       `mapstructure:"link" yaml:"link"`
	Broker     BrokerConfig     `mapstructure:"broker" yaml:"broker"`
	Source     SourceConfig     `mapstructure:"source" yaml:"source"`
}

// ─── Node Identity ───

// NodeConfig identifies this tap towards the collector.
type NodeConfig struct {
	Name string `mapstructure:"name" yaml:"name"` // Empty = os.Hostname()
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string        `mapstructure:"level" yaml:"level"`   // trace / debug / info / warn / error
	Format  string        `mapstructure:"format" yaml:"format"` // json / text
	Pattern string        `mapstructure:"pattern" yaml:"pattern"`
	File    FileLogConfig `mapstructure:"file" yaml:"file"`
}

// FileLogConfig configures rolling file output.
type FileLogConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Bus ───

// BusConfig sizes the pipeline channels.
type BusConfig struct {
	MonitorInterval time.Duration            `mapstructure:"monitor_interval" yaml:"monitor_interval"`
	Channels        map[string]ChannelConfig `mapstructure:"channels" yaml:"channels"`
}

// ChannelConfig configures one pipeline channel.
type ChannelConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// DefaultChannelCapacities is the capacity of each channel when the
// configuration does not name it.
var DefaultChannelCapacities = map[string]int{
	"ethernet_broker":   65536,
	"dot11_broker":      65536,
	"dot11_frames":      65536,
	"arp":               512,
	"tcp":               8192,
	"udp":               8192,
	"dns":               512,
	"dhcpv4":            512,
	"ssh":               512,
	"socks":             512,
	"bluetooth_devices": 512,
	"uav_remote_id":     512,
	"gnss_nmea":         512,
}

// Capacity returns the configured capacity of the named channel.
func (b BusConfig) Capacity(name string) int {
	if c, ok := b.Channels[name]; ok && c.Capacity > 0 {
		return c.Capacity
	}
	if c, ok := DefaultChannelCapacities[name]; ok {
		return c
	}
	return 512
}

// ─── Processors ───

// ProcessorsConfig sets the number of goroutines per processing lane.
type ProcessorsConfig struct {
	Dot11  int `mapstructure:"dot11" yaml:"dot11"`
	TCP    int `mapstructure:"tcp" yaml:"tcp"`
	UDP    int `mapstructure:"udp" yaml:"udp"`
	Shared int `mapstructure:"shared" yaml:"shared"`
}

// ─── Tables ───

// TablesConfig configures the session tables and their report cycle.
type TablesConfig struct {
	ReportInterval time.Duration  `mapstructure:"report_interval" yaml:"report_interval"`
	TCP            TCPTableConfig `mapstructure:"tcp" yaml:"tcp"`
	UDP            UDPTableConfig `mapstructure:"udp" yaml:"udp"`
	DNS            DNSTableConfig `mapstructure:"dns" yaml:"dns"`
	ARP            ARPTableConfig `mapstructure:"arp" yaml:"arp"`
}

// TCPTableConfig configures the TCP session table.
type TCPTableConfig struct {
	ReassemblyBufferSize int           `mapstructure:"reassembly_buffer_size" yaml:"reassembly_buffer_size"` // bytes per session
	SessionTimeout       time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
}

// UDPTableConfig configures the UDP conversation table.
type UDPTableConfig struct {
	BufferSize          int           `mapstructure:"buffer_size" yaml:"buffer_size"` // bytes per direction
	ConversationTimeout time.Duration `mapstructure:"conversation_timeout" yaml:"conversation_timeout"`
}

// DNSTableConfig configures DNS statistics and entropy anomaly detection.
type DNSTableConfig struct {
	EntropyZScoreThreshold float64       `mapstructure:"entropy_zscore_threshold" yaml:"entropy_zscore_threshold"`
	TrainingPeriod         time.Duration `mapstructure:"training_period" yaml:"training_period"`
	EntropyWindow          time.Duration `mapstructure:"entropy_window" yaml:"entropy_window"`
	PruneInterval          time.Duration `mapstructure:"prune_interval" yaml:"prune_interval"`
}

// ARPTableConfig configures the ARP table poisoning monitor.
type ARPTableConfig struct {
	PoisoningMonitor bool          `mapstructure:"poisoning_monitor" yaml:"poisoning_monitor"`
	PoisoningWindow  time.Duration `mapstructure:"poisoning_window" yaml:"poisoning_window"`
}

// ─── Context Engine ───

// ContextConfig configures the MAC address context engine.
type ContextConfig struct {
	Retention  time.Duration `mapstructure:"retention" yaml:"retention"`
	DNSServers []string      `mapstructure:"dns_servers" yaml:"dns_servers"`
}

// Servers parses DNSServers.
func (c ContextConfig) Servers() ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(c.DNSServers))
	for _, s := range c.DNSServers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("%w: context.dns_servers: %v", core.ErrInvalidConfig, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// ─── Link ───

// LinkConfig configures the report sender.
type LinkConfig struct {
	Type    string        `mapstructure:"type" yaml:"type"` // log / http / kafka
	URI     string        `mapstructure:"uri" yaml:"uri"`
	Secret  string        `mapstructure:"secret" yaml:"secret"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Brokers []string      `mapstructure:"brokers" yaml:"brokers"` // kafka only
	Topic   string        `mapstructure:"topic" yaml:"topic"`     // kafka only
}

// ─── Broker ───

// BrokerConfig configures the frame brokers.
type BrokerConfig struct {
	Ethernet EthernetBrokerConfig `mapstructure:"ethernet" yaml:"ethernet"`
}

// EthernetBrokerConfig configures the wired broker.
type EthernetBrokerConfig struct {
	Filter string `mapstructure:"filter" yaml:"filter"` // tcpdump -dd output, empty accepts everything
}

// ─── Source ───

// SourceConfig configures the pcap replay source.
type SourceConfig struct {
	PcapFile      string `mapstructure:"pcap_file" yaml:"pcap_file"`
	InterfaceName string `mapstructure:"interface_name" yaml:"interface_name"`
	Loop          bool   `mapstructure:"loop" yaml:"loop"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `tap: ...`.
type configRoot struct {
	Tap GlobalConfig `mapstructure:"tap"`
}

// Load loads configuration from file. An empty path yields the defaults.
// The YAML file uses `tap:` as root key; env vars map through the key
// replacer (e.g., key "tap.log.level" → env "TAP_LOG_LEVEL").
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Tap

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *GlobalConfig {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

// setDefaults sets default values for configuration.
// All keys use "tap." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("tap.log.level", "info")
	v.SetDefault("tap.log.format", "text")
	v.SetDefault("tap.log.file.enabled", false)
	v.SetDefault("tap.log.file.path", "/var/log/tap/tap.log")
	v.SetDefault("tap.log.file.max_size_mb", 100)
	v.SetDefault("tap.log.file.max_age_days", 30)
	v.SetDefault("tap.log.file.max_backups", 5)
	v.SetDefault("tap.log.file.compress", true)

	// Metrics defaults
	v.SetDefault("tap.metrics.enabled", true)
	v.SetDefault("tap.metrics.listen", ":9091")
	v.SetDefault("tap.metrics.path", "/metrics")

	// Bus defaults
	v.SetDefault("tap.bus.monitor_interval", "10s")
	for name, capacity := range DefaultChannelCapacities {
		v.SetDefault("tap.bus.channels."+name+".capacity", capacity)
	}

	// Processor defaults
	v.SetDefault("tap.processors.dot11", 1)
	v.SetDefault("tap.processors.tcp", 2)
	v.SetDefault("tap.processors.udp", 2)
	v.SetDefault("tap.processors.shared", 1)

	// Table defaults
	v.SetDefault("tap.tables.report_interval", "10s")
	v.SetDefault("tap.tables.tcp.reassembly_buffer_size", 1<<20)
	v.SetDefault("tap.tables.tcp.session_timeout", "600s")
	v.SetDefault("tap.tables.udp.buffer_size", 64<<10)
	v.SetDefault("tap.tables.udp.conversation_timeout", "60s")
	v.SetDefault("tap.tables.dns.entropy_zscore_threshold", 3.0)
	v.SetDefault("tap.tables.dns.training_period", "5m")
	v.SetDefault("tap.tables.dns.entropy_window", "30m")
	v.SetDefault("tap.tables.dns.prune_interval", "5m")
	v.SetDefault("tap.tables.arp.poisoning_monitor", true)
	v.SetDefault("tap.tables.arp.poisoning_window", "30s")

	// Context engine defaults
	v.SetDefault("tap.context.retention", "24h")

	// Link defaults
	v.SetDefault("tap.link.type", "log")
	v.SetDefault("tap.link.timeout", "10s")

	// Source defaults
	v.SetDefault("tap.source.interface_name", "replay")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be trace/debug/info/warn/error)", core.ErrInvalidConfig, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrInvalidConfig, cfg.Log.Format)
	}

	// ── Node name auto-detect ──
	if cfg.Node.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Name = hostname
	}

	// ── Bus ──
	for name, ch := range cfg.Bus.Channels {
		if ch.Capacity <= 0 {
			return fmt.Errorf("%w: bus.channels.%s.capacity must be positive", core.ErrInvalidConfig, name)
		}
	}
	if cfg.Bus.MonitorInterval <= 0 {
		return fmt.Errorf("%w: bus.monitor_interval must be positive", core.ErrInvalidConfig)
	}

	// ── Processors ──
	p := cfg.Processors
	if p.Dot11 < 1 || p.TCP < 1 || p.UDP < 1 || p.Shared < 1 {
		return fmt.Errorf("%w: every processor lane needs at least one goroutine", core.ErrInvalidConfig)
	}

	// ── Tables ──
	if cfg.Tables.ReportInterval <= 0 {
		return fmt.Errorf("%w: tables.report_interval must be positive", core.ErrInvalidConfig)
	}
	if cfg.Tables.TCP.ReassemblyBufferSize < 0 || cfg.Tables.UDP.BufferSize < 0 {
		return fmt.Errorf("%w: buffer sizes must not be negative", core.ErrInvalidConfig)
	}
	if cfg.Tables.TCP.SessionTimeout <= 0 || cfg.Tables.UDP.ConversationTimeout <= 0 {
		return fmt.Errorf("%w: session timeouts must be positive", core.ErrInvalidConfig)
	}
	if cfg.Tables.DNS.EntropyZScoreThreshold <= 0 {
		return fmt.Errorf("%w: tables.dns.entropy_zscore_threshold must be positive", core.ErrInvalidConfig)
	}
	if cfg.Tables.DNS.EntropyWindow <= 0 || cfg.Tables.DNS.PruneInterval <= 0 {
		return fmt.Errorf("%w: tables.dns entropy window and prune interval must be positive", core.ErrInvalidConfig)
	}

	// ── Context ──
	if _, err := cfg.Context.Servers(); err != nil {
		return err
	}

	// ── Link ──
	switch cfg.Link.Type {
	case "log":
	case "http":
		if cfg.Link.URI == "" {
			return fmt.Errorf("%w: link.uri is required when link.type=http", core.ErrInvalidConfig)
		}
	case "kafka":
		if len(cfg.Link.Brokers) == 0 {
			return fmt.Errorf("%w: link.brokers is required when link.type=kafka", core.ErrInvalidConfig)
		}
		if cfg.Link.Topic == "" {
			cfg.Link.Topic = "tap.reports"
		}
	default:
		return fmt.Errorf("%w: unsupported link.type: %s (must be log/http/kafka)", core.ErrInvalidConfig, cfg.Link.Type)
	}

	return nil
}

// YAML renders the effective configuration under the `tap:` root key.
func (cfg *GlobalConfig) YAML() ([]byte, error) {
	return yaml.Marshal(map[string]*GlobalConfig{"tap": cfg})
}
