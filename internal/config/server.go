package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Server struct {
	Server struct {
		Host           string   `mapstructure:"host"`
		Port           int      `mapstructure:"port"`
		GrpcPort       int      `mapstructure:"grpc_port"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PresenceTTL      time.Duration `mapstructure:"presence_ttl"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	LogLevel         string        `mapstructure:"log_level"`
	LogDisabledTags  []string      `mapstructure:"log_disabled_tags"`

	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`

	// Bus relays messages between instances: MQTT when a broker is set,
	// otherwise redis pub/sub when redis.addr is set.
	Bus struct {
		Topic string `mapstructure:"topic"`
		MQTT  struct {
			Broker   string `mapstructure:"broker"`
			ClientID string `mapstructure:"client_id"`
			Username string `mapstructure:"username"`
			Password string `mapstructure:"password"`
			QoS      byte   `mapstructure:"qos"`
		} `mapstructure:"mqtt"`
	} `mapstructure:"bus"`
}

// ServerFlags registers the chatserver command line flags.
func ServerFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "config file (default configs/chatserver.yaml)")
	flags.IntP("port", "p", 3000, "HTTP/WebSocket port")
	flags.Int("grpc-port", 0, "gRPC health port, 0 = disabled")
	flags.Duration("handshake-timeout", 5*time.Second, "time allowed for the client identity")
	flags.Duration("ping-interval", 10*time.Second, "interval between liveness pings")
}

var serverFlagKeys = map[string]string{
	"port":      "server.port",
	"grpc-port": "server.grpc_port",
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.grpc_port", 0)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("handshake_timeout", 5*time.Second)
	v.SetDefault("presence_ttl", 30*time.Second)
	v.SetDefault("ping_interval", 10*time.Second)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_disabled_tags", []string{})
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("bus.topic", "chat.bus")
	v.SetDefault("bus.mqtt.broker", "")
	v.SetDefault("bus.mqtt.client_id", "")
	v.SetDefault("bus.mqtt.username", "")
	v.SetDefault("bus.mqtt.password", "")
	v.SetDefault("bus.mqtt.qos", 1)
}

// LoadServer merges defaults, configs/chatserver.yaml (or --config),
// CHATSERVER_* environment variables and flags.
func LoadServer(flags *pflag.FlagSet) (*Server, error) {
	v := viper.New()
	setServerDefaults(v)

	if err := load(v, "chatserver", "CHATSERVER", configFile(flags)); err != nil {
		return nil, err
	}
	if flags != nil {
		if err := bindFlags(v, flags, serverFlagKeys); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Server.Port <= 0 {
		return nil, fmt.Errorf("invalid server.port %d", cfg.Server.Port)
	}
	if cfg.PingInterval <= 0 {
		return nil, fmt.Errorf("invalid ping_interval %s", cfg.PingInterval)
	}
	if cfg.PresenceTTL <= cfg.PingInterval {
		return nil, ErrPresenceTTL
	}
	return &cfg, nil
}

// ErrPresenceTTL rejects a presence TTL that would lapse between pongs.
var ErrPresenceTTL = errors.New("presence_ttl must be greater than ping_interval")

func (c *Server) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// GrpcAddr is empty when the gRPC health server is disabled.
func (c *Server) GrpcAddr() string {
	if c.Server.GrpcPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.GrpcPort))
}
