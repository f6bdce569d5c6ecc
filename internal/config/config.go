package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// Storage backends understood by the processor.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds runtime configuration for the relay process.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Hub        HubConfig        `mapstructure:"hub"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Correlator CorrelatorConfig `mapstructure:"correlator"`
	Store      StoreConfig      `mapstructure:"store"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HubConfig struct {
	Partitions int `mapstructure:"partitions"`
	Capacity   int `mapstructure:"capacity"`
}

type DispatcherConfig struct {
	// SendTimeout bounds sends issued from inside a partition consumer.
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

type CorrelatorConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
	RedisAddr  string `mapstructure:"redis_addr"`
	RedisDB    int    `mapstructure:"redis_db"`
}

type KafkaConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Brokers  []string       `mapstructure:"brokers"`
	Topic    string         `mapstructure:"topic"`
	GroupID  string         `mapstructure:"group_id"`
	Producer ProducerConfig `mapstructure:"producer"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
}

type ProducerConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Compression  string        `mapstructure:"compression"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	// RequiredAcks: 0 none, 1 leader, -1 all in-sync replicas.
	RequiredAcks int `mapstructure:"required_acks"`
}

type ConsumerConfig struct {
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	MaxWait        time.Duration `mapstructure:"max_wait"`
	CommitInterval time.Duration `mapstructure:"commit_interval"`
}

// BridgeConfig routes envelopes through an in-process watermill pub/sub
// instead of handing them straight to the hub.
type BridgeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Topic   string `mapstructure:"topic"`
	Buffer  int64  `mapstructure:"buffer"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type AlertsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	MaxProcess time.Duration `mapstructure:"max_process"`
	MaxWait    time.Duration `mapstructure:"max_wait"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Hub: HubConfig{
			Partitions: 4,
			Capacity:   1000,
		},
		Dispatcher: DispatcherConfig{
			SendTimeout:   5 * time.Second,
			SlowThreshold: time.Second,
		},
		Correlator: CorrelatorConfig{Timeout: 120 * time.Second},
		Store: StoreConfig{
			Backend:    BackendMemory,
			SQLitePath: "relay.db",
			RedisAddr:  "localhost:6379",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "relay-envelopes",
			GroupID: "relay",
			Producer: ProducerConfig{
				BatchSize:    100,
				BatchTimeout: 10 * time.Millisecond,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				PoolSize:     4,
				RequiredAcks: -1,
			},
			Consumer: ConsumerConfig{
				MinBytes:       1,
				MaxBytes:       10e6,
				MaxWait:        500 * time.Millisecond,
				CommitInterval: time.Second,
			},
		},
		Bridge: BridgeConfig{
			Topic:  "relay.envelopes",
			Buffer: 256,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Alerts: AlertsConfig{
			Enabled:    true,
			MaxProcess: 2 * time.Second,
			MaxWait:    5 * time.Second,
			Cooldown:   time.Minute,
		},
	}
}

// Load reads configuration from path (optional) and RELAY_* environment
// variables on top of Default.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("relay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("hub.partitions", d.Hub.Partitions)
	v.SetDefault("hub.capacity", d.Hub.Capacity)
	v.SetDefault("dispatcher.send_timeout", d.Dispatcher.SendTimeout)
	v.SetDefault("dispatcher.slow_threshold", d.Dispatcher.SlowThreshold)
	v.SetDefault("correlator.timeout", d.Correlator.Timeout)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.sqlite_path", d.Store.SQLitePath)
	v.SetDefault("store.redis_addr", d.Store.RedisAddr)
	v.SetDefault("store.redis_db", d.Store.RedisDB)
	v.SetDefault("kafka.enabled", d.Kafka.Enabled)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)
	v.SetDefault("kafka.producer.batch_size", d.Kafka.Producer.BatchSize)
	v.SetDefault("kafka.producer.batch_timeout", d.Kafka.Producer.BatchTimeout)
	v.SetDefault("kafka.producer.compression", d.Kafka.Producer.Compression)
	v.SetDefault("kafka.producer.max_retries", d.Kafka.Producer.MaxRetries)
	v.SetDefault("kafka.producer.retry_backoff", d.Kafka.Producer.RetryBackoff)
	v.SetDefault("kafka.producer.write_timeout", d.Kafka.Producer.WriteTimeout)
	v.SetDefault("kafka.producer.pool_size", d.Kafka.Producer.PoolSize)
	v.SetDefault("kafka.producer.required_acks", d.Kafka.Producer.RequiredAcks)
	v.SetDefault("kafka.consumer.min_bytes", d.Kafka.Consumer.MinBytes)
	v.SetDefault("kafka.consumer.max_bytes", d.Kafka.Consumer.MaxBytes)
	v.SetDefault("kafka.consumer.max_wait", d.Kafka.Consumer.MaxWait)
	v.SetDefault("kafka.consumer.commit_interval", d.Kafka.Consumer.CommitInterval)
	v.SetDefault("bridge.enabled", d.Bridge.Enabled)
	v.SetDefault("bridge.topic", d.Bridge.Topic)
	v.SetDefault("bridge.buffer", d.Bridge.Buffer)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("alerts.enabled", d.Alerts.Enabled)
	v.SetDefault("alerts.max_process", d.Alerts.MaxProcess)
	v.SetDefault("alerts.max_wait", d.Alerts.MaxWait)
	v.SetDefault("alerts.cooldown", d.Alerts.Cooldown)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Hub.Partitions <= 0 {
		errs = append(errs, fmt.Errorf("hub.partitions must be > 0, got %d", c.Hub.Partitions))
	}
	if c.Hub.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("hub.capacity must be > 0, got %d", c.Hub.Capacity))
	}
	if c.Dispatcher.SendTimeout <= 0 {
		errs = append(errs, errors.New("dispatcher.send_timeout must be positive"))
	}
	if c.Correlator.Timeout <= 0 {
		errs = append(errs, errors.New("correlator.timeout must be positive"))
	}
	backends := []string{BackendMemory, BackendSQLite, BackendRedis}
	if !lo.Contains(backends, c.Store.Backend) {
		errs = append(errs, fmt.Errorf("store.backend must be one of %v, got %q", backends, c.Store.Backend))
	}
	if c.Store.Backend == BackendSQLite && c.Store.SQLitePath == "" {
		errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
	}
	if c.Store.Backend == BackendRedis && c.Store.RedisAddr == "" {
		errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
	}
	if c.Kafka.Enabled {
		brokers := lo.Compact(c.Kafka.Brokers)
		if len(brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka.topic is required when kafka is enabled"))
		}
		if c.Kafka.GroupID == "" {
			errs = append(errs, errors.New("kafka.group_id is required when kafka is enabled"))
		}
	}
	if c.Bridge.Enabled {
		if c.Kafka.Enabled {
			errs = append(errs, errors.New("bridge and kafka cannot both be enabled"))
		}
		if c.Bridge.Topic == "" {
			errs = append(errs, errors.New("bridge.topic is required when the bridge is enabled"))
		}
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	return errors.Join(errs...)
}
