// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment names accepted in NODE_ENV.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config is the full service configuration.
type Config struct {
	Port    int    `mapstructure:"port"`
	Host    string `mapstructure:"host"`
	NodeEnv string `mapstructure:"node_env"`

	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`

	QueueName         string        `mapstructure:"queue_name"`
	QueueConcurrency  int           `mapstructure:"queue_concurrency"`
	QueueMaxAttempts  int           `mapstructure:"queue_max_attempts"`
	QueueBackoffDelay time.Duration `mapstructure:"queue_backoff_delay"`

	DBMonitorPollInterval time.Duration `mapstructure:"db_monitor_poll_interval"`

	CleanupCronPattern string `mapstructure:"cleanup_cron_pattern"`
	ProfileCronPattern string `mapstructure:"profile_cron_pattern"`
	TasksCronPattern   string `mapstructure:"tasks_cron_pattern"`
	CronAPIKey         string `mapstructure:"cron_api_key"`

	MetabaseURL            string `mapstructure:"metabase_url"`
	MetabaseAPIKey         string `mapstructure:"metabase_api_key"`
	MetabaseAppsCardID     int    `mapstructure:"metabase_apps_card_id"`
	MetabaseProfilesCardID int    `mapstructure:"metabase_profiles_card_id"`

	S3Endpoint        string `mapstructure:"s3_endpoint"`
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key"`
	S3Bucket          string `mapstructure:"s3_bucket"`
	S3Region          string `mapstructure:"s3_region"`

	ITAAPIKey         string `mapstructure:"ita_api_key"`
	VerificationFlags string `mapstructure:"verification_flags"`
	EthRpcURL         string `mapstructure:"eth_rpc_url"`

	PhalaCloudAPIURL   string `mapstructure:"phala_cloud_api_url"`
	ImageCacheDir      string `mapstructure:"image_cache_dir"`
	ImageRepoBaseURL   string `mapstructure:"image_repo_base_url"`
	DstackMrPath       string `mapstructure:"dstack_mr_path"`
	LegacyDstackMrPath string `mapstructure:"legacy_dstack_mr_path"`
	DcapQvlPath        string `mapstructure:"dcap_qvl_path"`

	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 3000)
	v.SetDefault("host", "localhost")
	v.SetDefault("node_env", EnvDevelopment)
	v.SetDefault("queue_name", "verification-queue")
	v.SetDefault("queue_concurrency", 5)
	v.SetDefault("queue_max_attempts", 3)
	v.SetDefault("queue_backoff_delay", 5*time.Second)
	v.SetDefault("db_monitor_poll_interval", 30*time.Second)
	v.SetDefault("cleanup_cron_pattern", "0 2 * * *")
	v.SetDefault("profile_cron_pattern", "*/30 * * * *")
	v.SetDefault("tasks_cron_pattern", "*/5 * * * *")
	v.SetDefault("metabase_apps_card_id", 1)
	v.SetDefault("metabase_profiles_card_id", 2)
	v.SetDefault("s3_region", "auto")
	v.SetDefault("phala_cloud_api_url", "https://cloud-api.phala.network")
	v.SetDefault("image_cache_dir", "/var/cache/trust-center/images")
	v.SetDefault("image_repo_base_url", "https://download.dstack.dev/images")
	v.SetDefault("dstack_mr_path", "dstack-mr-cli")
	v.SetDefault("legacy_dstack_mr_path", "dstack-mr")
	v.SetDefault("dcap_qvl_path", "dcap-qvl")
	v.SetDefault("log_level", "info")
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	// Bind every key explicitly so env vars without defaults are seen too.
	keys := append(v.AllKeys(),
		"database_url", "redis_url", "cron_api_key",
		"metabase_url", "metabase_api_key",
		"s3_endpoint", "s3_access_key_id", "s3_secret_access_key", "s3_bucket",
		"ita_api_key", "verification_flags", "eth_rpc_url",
	)
	for _, key := range keys {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.NodeEnv {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("invalid NODE_ENV %q", c.NodeEnv)
	}

	if c.NodeEnv == EnvProduction {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in production")
		}
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required in production")
		}
	}
	return nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.NodeEnv == EnvDevelopment
}
