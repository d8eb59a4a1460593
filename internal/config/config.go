package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Host string
	Port int
}

func (s ServerConfig) Addr() string {
	host := s.Host
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, s.Port)
}

type MySQLConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Addr     string
	PoolSize int
}

type MigrationsConfig struct {
	Dir string
}

type SyncConfig struct {
	IntervalSeconds int
}

type Config struct {
	Server     ServerConfig
	MySQL      MySQLConfig
	Redis      RedisConfig
	Migrations MigrationsConfig
	Sync       SyncConfig
}

// Load reads config.yaml from dir (if present) with STOREFRONT_*
// environment overrides on top of the defaults.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("STOREFRONT")
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("mysql.dsn", "root:root@tcp(localhost:3306)/storefront?parseTime=true")
	v.SetDefault("mysql.maxopenconns", 50)
	v.SetDefault("mysql.maxidleconns", 25)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.poolsize", 100)
	v.SetDefault("migrations.dir", "migrations")
	v.SetDefault("sync.intervalseconds", 60)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
