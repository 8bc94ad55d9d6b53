// Package config loads the sagaorchd configuration from a file, environment
// variables prefixed with SAGAORCH_ and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fortressi/sagaorch"
	"github.com/fortressi/sagaorch/gateway/kafkabus"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "SAGAORCH"

// Validation errors name fields the way they are spelled in the config file.
func init() {
	validation.ErrorTag = "mapstructure"
}

const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	// TransportLocal answers every configured command with SUCCESS. It is
	// meant for dry runs of saga definitions.
	TransportLocal = "local"
	TransportHTTP  = "http"
	TransportRedis = "redis"
	TransportKafka = "kafka"
)

type Config struct {
	Verbosity int                       `mapstructure:"verbosity"`
	HTTP      HTTPConfig                `mapstructure:"http"`
	Store     StoreConfig               `mapstructure:"store"`
	Transport TransportConfig           `mapstructure:"transport"`
	Executor  ExecutorConfig            `mapstructure:"executor"`
	Sagas     []sagaorch.SagaDefinition `mapstructure:"sagas"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Kind        string `mapstructure:"kind"`
	Path        string `mapstructure:"path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

type TransportConfig struct {
	Kind string `mapstructure:"kind"`
	// Endpoints routes participants to HTTP base URLs whatever Kind is.
	Endpoints map[string]string `mapstructure:"endpoints"`
	RedisAddr string            `mapstructure:"redis_addr"`
	Kafka     kafkabus.Config   `mapstructure:"kafka"`
	// ReplyTimeout bounds the wait for a reply on the asynchronous
	// transports when a step sets no timeout of its own.
	ReplyTimeout time.Duration `mapstructure:"reply_timeout"`
}

type ExecutorConfig struct {
	Workers                 int           `mapstructure:"workers"`
	PollInterval            time.Duration `mapstructure:"poll_interval"`
	BaseDelay               time.Duration `mapstructure:"base_delay"`
	MaxDelay                time.Duration `mapstructure:"max_delay"`
	CompensationMaxAttempts int           `mapstructure:"compensation_max_attempts"`
}

// RetryPolicy returns the executor retry policy.
func (e ExecutorConfig) RetryPolicy() sagaorch.RetryPolicy {
	return sagaorch.RetryPolicy{
		BaseDelay:               e.BaseDelay,
		MaxDelay:                e.MaxDelay,
		CompensationMaxAttempts: e.CompensationMaxAttempts,
	}
}

func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Kind:        StoreMemory,
			Path:        "sagas",
			RedisPrefix: "sagaorch",
		},
		Transport: TransportConfig{
			Kind:         TransportLocal,
			ReplyTimeout: 30 * time.Second,
		},
		Executor: ExecutorConfig{
			Workers:                 sagaorch.DefaultWorkers,
			PollInterval:            sagaorch.DefaultPollInterval,
			BaseDelay:               sagaorch.DefaultBaseDelay,
			MaxDelay:                sagaorch.DefaultMaxDelay,
			CompensationMaxAttempts: sagaorch.DefaultCompensationMaxAttempts,
		},
	}
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Verbosity, validation.Min(0)),
		validation.Field(&c.HTTP),
		validation.Field(&c.Store),
		validation.Field(&c.Transport),
		validation.Field(&c.Executor),
		validation.Field(&c.Sagas),
	)
}

func (h HTTPConfig) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.Addr, validation.Required),
		validation.Field(&h.ShutdownTimeout, validation.Min(time.Duration(0))),
	)
}

func (s StoreConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Kind, validation.Required, validation.In(StoreMemory, StoreFile, StorePostgres, StoreRedis)),
		validation.Field(&s.Path, validation.When(s.Kind == StoreFile, validation.Required)),
		validation.Field(&s.PostgresDSN, validation.When(s.Kind == StorePostgres, validation.Required)),
		validation.Field(&s.RedisAddr, validation.When(s.Kind == StoreRedis, validation.Required)),
	)
}

func (t TransportConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Kind, validation.Required, validation.In(TransportLocal, TransportHTTP, TransportRedis, TransportKafka)),
		validation.Field(&t.Endpoints, validation.When(t.Kind == TransportHTTP, validation.Required)),
		validation.Field(&t.RedisAddr, validation.When(t.Kind == TransportRedis, validation.Required)),
		validation.Field(&t.Kafka, validation.When(t.Kind == TransportKafka, validation.By(func(any) error {
			if len(t.Kafka.Brokers) == 0 {
				return errors.New("brokers are required")
			}
			return nil
		}))),
		validation.Field(&t.ReplyTimeout, validation.Required),
	)
}

func (e ExecutorConfig) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Workers, validation.Required, validation.Min(1)),
		validation.Field(&e.PollInterval, validation.Required),
		validation.Field(&e.BaseDelay, validation.Min(time.Duration(0))),
		validation.Field(&e.MaxDelay, validation.Min(time.Duration(0))),
		validation.Field(&e.CompensationMaxAttempts, validation.Min(0)),
	)
}

// RegisterFlags adds the flags Load binds to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to the configuration file")
	fs.String("http-addr", "", "address the API listens on")
	fs.String("store", "", "saga store: memory, file, postgres or redis")
	fs.String("transport", "", "participant transport: local, http, redis or kafka")
	fs.Int("workers", 0, "number of saga workers")
	fs.IntP("verbosity", "v", 0, "log verbosity")
}

var flagKeys = map[string]string{
	"http-addr": "http.addr",
	"store":     "store.kind",
	"transport": "transport.kind",
	"workers":   "executor.workers",
	"verbosity": "verbosity",
}

// Load reads the configuration. fs may be nil; flags registered by
// RegisterFlags override the other sources only when set.
func Load(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct, %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("verbosity", d.Verbosity)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	v.SetDefault("store.kind", d.Store.Kind)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.postgres_dsn", d.Store.PostgresDSN)
	v.SetDefault("store.redis_addr", d.Store.RedisAddr)
	v.SetDefault("store.redis_prefix", d.Store.RedisPrefix)
	v.SetDefault("transport.kind", d.Transport.Kind)
	v.SetDefault("transport.redis_addr", d.Transport.RedisAddr)
	v.SetDefault("transport.reply_timeout", d.Transport.ReplyTimeout)
	v.SetDefault("transport.kafka.brokers", d.Transport.Kafka.Brokers)
	v.SetDefault("transport.kafka.command_topic_prefix", d.Transport.Kafka.CommandTopicPrefix)
	v.SetDefault("transport.kafka.reply_topic", d.Transport.Kafka.ReplyTopic)
	v.SetDefault("transport.kafka.group_id", d.Transport.Kafka.GroupID)
	v.SetDefault("executor.workers", d.Executor.Workers)
	v.SetDefault("executor.poll_interval", d.Executor.PollInterval)
	v.SetDefault("executor.base_delay", d.Executor.BaseDelay)
	v.SetDefault("executor.max_delay", d.Executor.MaxDelay)
	v.SetDefault("executor.compensation_max_attempts", d.Executor.CompensationMaxAttempts)
}
