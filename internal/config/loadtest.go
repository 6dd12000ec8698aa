package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"chat-loadtest/internal/model"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	ErrTimeout    = errors.New("connect_timeout must be greater than 0")
	ErrURLScheme  = errors.New("url scheme must be ws or wss")
	ErrMQTTTopic  = errors.New("sinks.mqtt.topic is required when a broker is set")
	ErrRedisTopic = errors.New("sinks.redis.topic is required when an address is set")
)

type LoadTest struct {
	URL             string        `mapstructure:"url"`
	Users           uint64        `mapstructure:"users"`
	Iterations      uint64        `mapstructure:"iterations"`
	Duration        time.Duration `mapstructure:"duration"`
	SpawnInterval   time.Duration `mapstructure:"spawn_interval"`
	WaitMin         time.Duration `mapstructure:"wait_min"`
	WaitMax         time.Duration `mapstructure:"wait_max"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	UserName        string        `mapstructure:"user_name"`
	StartUserID     int32         `mapstructure:"start_user_id"`
	Debug           bool          `mapstructure:"debug"`
	LogLevel        string        `mapstructure:"log_level"`
	LogDisabledTags []string      `mapstructure:"log_disabled_tags"`

	Report         string        `mapstructure:"report"`
	Events         string        `mapstructure:"events"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
	HealthAddr     string        `mapstructure:"health_addr"`

	Sinks struct {
		Redis struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			Topic    string `mapstructure:"topic"`
		} `mapstructure:"redis"`

		MQTT struct {
			Broker   string `mapstructure:"broker"`
			ClientID string `mapstructure:"client_id"`
			Username string `mapstructure:"username"`
			Password string `mapstructure:"password"`
			Topic    string `mapstructure:"topic"`
			QoS      byte   `mapstructure:"qos"`
		} `mapstructure:"mqtt"`

		Tally struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
		} `mapstructure:"tally"`
	} `mapstructure:"sinks"`
}

// LoadTestFlags registers the loadtest command line flags.
func LoadTestFlags(flags *pflag.FlagSet) {
	flags.StringP("url", "u", "", "target WebSocket URL (empty: read from configs/chatserver.yaml)")
	flags.Uint64P("users", "c", 1, "concurrent simulated users")
	flags.Uint64P("iterations", "n", 1, "iterations per user, 0 = unlimited")
	flags.DurationP("duration", "d", 0, "run duration, 0 = unlimited")
	flags.DurationP("spawn-interval", "i", 2*time.Millisecond, "delay between user starts")
	flags.Duration("wait-min", model.DefaultWaitMin, "minimum wait between iterations")
	flags.Duration("wait-max", model.DefaultWaitMax, "maximum wait between iterations")
	flags.Duration("connect-timeout", model.DefaultConnectTimeout, "connect timeout")
	flags.Duration("read-timeout", model.DefaultConnectTimeout, "per-receive timeout, 0 = none")
	flags.String("config", "", "config file (default configs/loadtest.yaml)")
	flags.String("report", "", "write YAML summary to this file")
	flags.String("events", "", "write one JSON event per request to this file")
	flags.Bool("debug", false, "log every iteration")
}

func setLoadTestDefaults(v *viper.Viper) {
	v.SetDefault("url", "")
	v.SetDefault("users", 1)
	v.SetDefault("iterations", 1)
	v.SetDefault("duration", 0)
	v.SetDefault("spawn_interval", 2*time.Millisecond)
	v.SetDefault("wait_min", model.DefaultWaitMin)
	v.SetDefault("wait_max", model.DefaultWaitMax)
	v.SetDefault("connect_timeout", model.DefaultConnectTimeout)
	v.SetDefault("read_timeout", model.DefaultConnectTimeout)
	v.SetDefault("user_name", model.DefaultUserName)
	v.SetDefault("start_user_id", 1)
	v.SetDefault("debug", false)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_disabled_tags", []string{})
	v.SetDefault("report", "")
	v.SetDefault("events", "")
	v.SetDefault("report_interval", 5*time.Second)
	v.SetDefault("health_addr", "")
	v.SetDefault("sinks.redis.addr", "")
	v.SetDefault("sinks.redis.password", "")
	v.SetDefault("sinks.redis.topic", "stress.metrics")
	v.SetDefault("sinks.mqtt.broker", "")
	v.SetDefault("sinks.mqtt.client_id", "")
	v.SetDefault("sinks.mqtt.username", "")
	v.SetDefault("sinks.mqtt.password", "")
	v.SetDefault("sinks.mqtt.topic", "stress/metrics")
	v.SetDefault("sinks.mqtt.qos", 1)
	v.SetDefault("sinks.tally.addr", "")
	v.SetDefault("sinks.tally.password", "")
}

// LoadLoadTest merges defaults, configs/loadtest.yaml (or --config),
// LOADTEST_* environment variables and flags, in increasing priority.
func LoadLoadTest(flags *pflag.FlagSet) (*LoadTest, error) {
	v := viper.New()
	setLoadTestDefaults(v)

	if err := load(v, "loadtest", "LOADTEST", configFile(flags)); err != nil {
		return nil, err
	}
	if flags != nil {
		if err := bindFlags(v, flags, nil); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg LoadTest
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.URL == "" {
		cfg.URL = DiscoverTargetURL(DefaultServerConfigPaths...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *LoadTest) Validate() error {
	if err := c.Request().Validate(); err != nil {
		return err
	}
	if c.ConnectTimeout <= 0 {
		return ErrTimeout
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("parse url %q: %w", c.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: %q", ErrURLScheme, c.URL)
	}
	if c.Sinks.Redis.Addr != "" && c.Sinks.Redis.Topic == "" {
		return ErrRedisTopic
	}
	if c.Sinks.MQTT.Broker != "" && c.Sinks.MQTT.Topic == "" {
		return ErrMQTTTopic
	}
	return nil
}

// Request converts the config into a harness request.
func (c *LoadTest) Request() *model.Request {
	return &model.Request{
		URL:            c.URL,
		Users:          c.Users,
		Iterations:     c.Iterations,
		Duration:       c.Duration,
		SpawnInterval:  c.SpawnInterval,
		WaitMin:        c.WaitMin,
		WaitMax:        c.WaitMax,
		ConnectTimeout: c.ConnectTimeout,
		ReadTimeout:    c.ReadTimeout,
		UserName:       c.UserName,
		StartUserID:    c.StartUserID,
		Debug:          c.Debug,
	}
}
