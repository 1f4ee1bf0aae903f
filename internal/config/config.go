package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App    AppConfig    `mapstructure:"app"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	DB     DBConfig     `mapstructure:"db"`
	Redis  RedisConfig  `mapstructure:"redis"`

	Broker     BrokerConfig     `mapstructure:"broker"`
	Gate       GateConfig       `mapstructure:"gate"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Cache      CacheConfig      `mapstructure:"cache"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
}

type BrokerConfig struct {
	// Driver selects the gateway implementation: "alpaca" or "paper".
	Driver    string `mapstructure:"driver"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`

	// PoolSize bounds concurrent gateway connections; checkout blocks when
	// all are in use.
	PoolSize        int           `mapstructure:"pool_size"`
	Timeout         time.Duration `mapstructure:"timeout"`
	SnapshotTimeout time.Duration `mapstructure:"snapshot_timeout"`
}

type GateConfig struct {
	Countdown    time.Duration `mapstructure:"countdown"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	MaxAge       time.Duration `mapstructure:"max_age"`
}

type RiskConfig struct {
	CheckPositionSize  bool    `mapstructure:"check_position_size"`
	// MaxPositionSize is in shares, not dollars.
	MaxPositionSize    float64 `mapstructure:"max_position_size"`
	CheckBuyingPower   bool    `mapstructure:"check_buying_power"`
	CheckConcentration bool    `mapstructure:"check_concentration"`
	MaxConcentration   float64 `mapstructure:"max_concentration"`
	CheckDailyLoss     bool    `mapstructure:"check_daily_loss"`
	MaxDailyLossUSD    float64 `mapstructure:"max_daily_loss_usd"`

	SnapshotMaxAge time.Duration `mapstructure:"snapshot_max_age"`
}

type ExecutorConfig struct {
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

type ReconcilerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type CacheConfig struct {
	OrdersTTL    time.Duration `mapstructure:"orders_ttl"`
	PositionsTTL time.Duration `mapstructure:"positions_ttl"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("broker.driver", "paper")
	v.SetDefault("broker.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("broker.pool_size", 2)
	v.SetDefault("broker.timeout", "10s")
	v.SetDefault("broker.snapshot_timeout", "5s")

	v.SetDefault("gate.countdown", "3s")
	v.SetDefault("gate.ready_timeout", "60s")
	v.SetDefault("gate.max_age", "1h")

	v.SetDefault("risk.check_position_size", true)
	v.SetDefault("risk.max_position_size", 5000)
	v.SetDefault("risk.check_buying_power", true)
	v.SetDefault("risk.check_concentration", true)
	v.SetDefault("risk.max_concentration", 0.25)
	v.SetDefault("risk.check_daily_loss", true)
	v.SetDefault("risk.max_daily_loss_usd", 1000)
	v.SetDefault("risk.snapshot_max_age", "30s")

	v.SetDefault("executor.submit_timeout", "10s")
	v.SetDefault("reconciler.interval", "15s")

	v.SetDefault("cache.orders_ttl", "30s")
	v.SetDefault("cache.positions_ttl", "30s")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
