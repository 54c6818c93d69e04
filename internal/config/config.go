package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "alpha"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.mode", "claim")
	v.SetDefault("app.account_timeout", "2m")

	v.SetDefault("venue.base_url", "https://www.binance.com")
	v.SetDefault("venue.time_url", "https://api.binance.com")
	v.SetDefault("venue.stream_url", "wss://nbstream.binance.com/w3w/stream")

	v.SetDefault("scheduler.target_hour", 8)
	v.SetDefault("scheduler.target_minute", 0)
	v.SetDefault("scheduler.target_second", 0)
	v.SetDefault("scheduler.compensation", "120ms")
	v.SetDefault("scheduler.calibrate_samples", 5)
	v.SetDefault("scheduler.miss_tolerance", "1s")

	v.SetDefault("claim.attempts", 3)
	v.SetDefault("claim.retry_delay", "200ms")
	v.SetDefault("claim.query_interval", "100ms")
	v.SetDefault("claim.query_window", "10s")

	v.SetDefault("trade.quote_currency", "USDT")
	v.SetDefault("trade.buy_slippage", 0.002)
	v.SetDefault("trade.sell_slippage", 0.002)
	v.SetDefault("trade.fill_timeout", "5s")
	v.SetDefault("trade.settle_delay", "300ms")
	v.SetDefault("trade.max_failures", 5)
	v.SetDefault("trade.token_cache_path", "data/token_info.json")

	v.SetDefault("session.ttl", "30m")

	v.SetDefault("pool.acquire_timeout", "2s")
	v.SetDefault("pool.idle_timeout", "5m")
	v.SetDefault("pool.request_timeout", "10s")
	v.SetDefault("pool.max_idle_conns", 8)

	v.SetDefault("stream.retention", "5m")
	v.SetDefault("stream.keep_alive_interval", "30m")
	v.SetDefault("stream.read_timeout", "60s")
	v.SetDefault("stream.gc_interval", "1m")

	v.SetDefault("database.path", "data/alpha_engine.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
