package server

import (
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
	"github.com/nats-io/nuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// DefaultPort is the port to bind to if one is not specified.
	DefaultPort = 8084

	// DefaultMaxFrameBytes is the largest payload accepted in a single frame
	// if no limit is configured.
	DefaultMaxFrameBytes = 100 * 1024 * 1024 // 100MB
)

const (
	defaultListenAddress = "0.0.0.0"
	defaultReadTimeout   = time.Minute
	defaultWriteTimeout  = time.Minute
)

// knownKeys lists every setting accepted in a configuration file.
var knownKeys = map[string]struct{}{
	"listen":          {},
	"host":            {},
	"port":            {},
	"log.level":       {},
	"log.silent":      {},
	"log.server.id":   {},
	"data.dir":        {},
	"max.frame.bytes": {},
	"max.connections": {},
	"accept.rate":     {},
	"read.timeout":    {},
	"write.timeout":   {},
	"store.max.bytes": {},
	"metrics.listen":  {},
	"health.listen":   {},
}

// StoreConfig contains settings for the in-memory blob store.
type StoreConfig struct {
	MaxBytes int64
}

// Config contains all settings for an imgvault Server.
type Config struct {
	Listen         HostPort
	Host           string
	Port           int
	ServerID       string
	LogLevel       uint32
	LogSilent      bool
	LogServerID    bool
	DataDir        string
	MaxFrameBytes  uint32
	// MaxConnections caps connections served at once. A connection keeps its
	// slot until the peer closes or stays quiet briefly after the response.
	MaxConnections int
	AcceptRate     float64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MetricsListen  string
	HealthListen   string
	Store          StoreConfig
}

// new Viper to parse configuration file
func newViper() *viper.Viper {
	v := viper.New()
	return v
}

// NewDefaultConfig creates a new Config with default settings.
func NewDefaultConfig() *Config {
	config := &Config{
		Port: DefaultPort,
	}
	config.ServerID = nuid.Next()
	config.LogLevel = uint32(log.InfoLevel)
	config.MaxFrameBytes = DefaultMaxFrameBytes
	config.ReadTimeout = defaultReadTimeout
	config.WriteTimeout = defaultWriteTimeout
	return config
}

// GetListenAddress returns the address and port to listen to. A listen
// setting without a host binds its port on host, or on all interfaces if host
// is not set either.
func (c Config) GetListenAddress() HostPort {
	if len(c.Listen.Host) > 0 {
		return c.Listen
	}

	host := c.Host
	if len(host) == 0 {
		host = defaultListenAddress
	}
	port := c.Port
	if c.Listen.Port != 0 {
		port = c.Listen.Port
	}
	return HostPort{
		Host: host,
		Port: port,
	}
}

// LimitsString returns a human-readable summary of the resource limits.
func (c Config) LimitsString() string {
	str := "["
	if c.MaxFrameBytes > 0 {
		str += fmt.Sprintf("Frame: %s", humanize.IBytes(uint64(c.MaxFrameBytes)))
	} else {
		str += "Frame: unbounded"
	}
	if c.MaxConnections > 0 {
		str += fmt.Sprintf(", Connections: %s", humanize.Comma(int64(c.MaxConnections)))
	} else {
		str += ", Connections: unbounded"
	}
	if c.AcceptRate > 0 {
		str += fmt.Sprintf(", Accept: %s/s", humanize.Ftoa(c.AcceptRate))
	}
	if c.Store.MaxBytes > 0 {
		str += fmt.Sprintf(", Store: %s", humanize.IBytes(uint64(c.Store.MaxBytes)))
	} else {
		str += ", Store: unbounded"
	}
	if c.ReadTimeout > 0 {
		str += fmt.Sprintf(", Read timeout: %s", durafmt.Parse(c.ReadTimeout))
	}
	if c.WriteTimeout > 0 {
		str += fmt.Sprintf(", Write timeout: %s", durafmt.Parse(c.WriteTimeout))
	}
	str += "]"
	return str
}

// GetLogLevel converts the level string to its corresponding int value. It
// returns an error if the level is invalid.
func GetLogLevel(level string) (uint32, error) {
	var l uint32
	switch strings.ToLower(level) {
	case "debug":
		l = uint32(log.DebugLevel)
	case "info":
		l = uint32(log.InfoLevel)
	case "warn":
		l = uint32(log.WarnLevel)
	case "error":
		l = uint32(log.ErrorLevel)
	default:
		return 0, fmt.Errorf("Invalid log.level setting %q", level)
	}
	return l, nil
}

// NewConfig creates a new Config with default settings and applies any
// settings from the given configuration file. An empty file name returns the
// defaults.
func NewConfig(configFile string) (*Config, error) { // nolint: gocyclo
	config := NewDefaultConfig()
	if configFile == "" {
		return config, nil
	}

	v := newViper()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	if err := checkUnknownKeys(v); err != nil {
		return nil, err
	}

	if v.IsSet("listen") {
		hp, err := parseListen(v)
		if err != nil {
			return nil, err
		}
		config.Listen = *hp
	}

	if v.IsSet("port") {
		config.Port = v.GetInt("port")
	}

	if v.IsSet("host") {
		config.Host = v.GetString("host")
	}

	if v.IsSet("log.level") {
		levelInt, err := GetLogLevel(v.GetString("log.level"))
		if err != nil {
			return nil, err
		}
		config.LogLevel = levelInt
	}

	if v.IsSet("log.silent") {
		config.LogSilent = v.GetBool("log.silent")
	}

	if v.IsSet("log.server.id") {
		config.LogServerID = v.GetBool("log.server.id")
	}

	if v.IsSet("data.dir") {
		config.DataDir = v.GetString("data.dir")
	}

	if v.IsSet("max.frame.bytes") {
		size, err := parseBytes(v.GetString("max.frame.bytes"))
		if err != nil {
			return nil, fmt.Errorf("Invalid max.frame.bytes setting: %v", err)
		}
		if size > math.MaxUint32 {
			return nil, fmt.Errorf("Invalid max.frame.bytes setting: %d exceeds %d", size, uint32(math.MaxUint32))
		}
		config.MaxFrameBytes = uint32(size)
	}

	if v.IsSet("max.connections") {
		config.MaxConnections = v.GetInt("max.connections")
	}

	if v.IsSet("accept.rate") {
		config.AcceptRate = v.GetFloat64("accept.rate")
	}

	if v.IsSet("read.timeout") {
		dur, err := time.ParseDuration(v.GetString("read.timeout"))
		if err != nil {
			return nil, err
		}
		config.ReadTimeout = dur
	}

	if v.IsSet("write.timeout") {
		dur, err := time.ParseDuration(v.GetString("write.timeout"))
		if err != nil {
			return nil, err
		}
		config.WriteTimeout = dur
	}

	if v.IsSet("store.max.bytes") {
		size, err := parseBytes(v.GetString("store.max.bytes"))
		if err != nil {
			return nil, fmt.Errorf("Invalid store.max.bytes setting: %v", err)
		}
		if size > math.MaxInt64 {
			return nil, fmt.Errorf("Invalid store.max.bytes setting: %d is too large", size)
		}
		config.Store.MaxBytes = int64(size)
	}

	if v.IsSet("metrics.listen") {
		config.MetricsListen = v.GetString("metrics.listen")
	}

	if v.IsSet("health.listen") {
		config.HealthListen = v.GetString("health.listen")
	}

	return config, nil
}

// checkUnknownKeys returns an error naming any setting in the file that the
// server does not understand.
func checkUnknownKeys(v *viper.Viper) error {
	var unknown []string
	for _, key := range v.AllKeys() {
		if _, ok := knownKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("Unknown configuration setting(s): %s", strings.Join(unknown, ", "))
	}
	return nil
}

// parseBytes accepts either a plain byte count or a human-readable size such
// as "64KB" or "100MiB".
func parseBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	return humanize.ParseBytes(s)
}

// HostPort is simple struct to hold parsed listen/addr strings.
type HostPort struct {
	Host string
	Port int
}

func (h HostPort) String() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// parseListen will parse the `listen` option containing the host and port.
func parseListen(v *viper.Viper) (*HostPort, error) {
	hp := &HostPort{}
	listenConf := v.Get("listen")
	switch listenConf := listenConf.(type) {
	// Only a port
	case int:
		hp.Port = listenConf
	case int64:
		hp.Port = int(listenConf)
	case string:
		host, port, err := net.SplitHostPort(listenConf)
		if err != nil {
			return nil, fmt.Errorf("Could not parse address string %q", listenConf)
		}
		hp.Port, err = strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("Could not parse port %q", port)
		}
		hp.Host = host
	default:
		return nil, fmt.Errorf("Could not parse listen setting %v", listenConf)
	}
	return hp, nil
}
