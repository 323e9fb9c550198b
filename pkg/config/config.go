package config

import (
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type MQConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// ScannerConfig 扫描器配置
type ScannerConfig struct {
	Schedule  string `yaml:"schedule"`   // cron spec, e.g. "@every 1m"
	BatchSize int    `yaml:"batch_size"` // max reminders claimed per tick
}

// PushConfig controls outbound web-push delivery.
type PushConfig struct {
	Subject        string `yaml:"subject"` // mailto: or https: contact for VAPID
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxAttempts    int    `yaml:"max_attempts"`
	BackoffSeconds int    `yaml:"backoff_seconds"`
	TTLSeconds     int    `yaml:"ttl_seconds"`
}

// VAPIDConfig holds the application server key pair (base64url raw).
type VAPIDConfig struct {
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
}

// RecurringConfig 重复任务处理配置
type RecurringConfig struct {
	DedupTTLSeconds int `yaml:"dedup_ttl_seconds"`
	MaxRetries      int `yaml:"max_retries"`
}

type Config struct {
	DB        DBConfig        `yaml:"db"`
	MQ        MQConfig        `yaml:"mq"`
	Redis     RedisConfig     `yaml:"redis"`
	JWT       JWTConfig       `yaml:"jwt"`
	Server    ServerConfig    `yaml:"server"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Push      PushConfig      `yaml:"push"`
	VAPID     VAPIDConfig     `yaml:"vapid"`
	Recurring RecurringConfig `yaml:"recurring"`
}

// Load 加载配置，支持多环境（CONFIG_ENV 选择 overlay）
func Load() *Config {
	env := GetConfigEnv()
	configDir := GetEnv("CONFIG_DIR", "config")

	cfgMap, err := LoadLayered(env, configDir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var cfg Config
	cfgData, err := yaml.Marshal(cfgMap)
	if err != nil {
		log.Fatalf("failed to marshal config: %v", err)
	}
	if err := yaml.Unmarshal(cfgData, &cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	// 环境变量覆盖（优先级最高）
	overrideFromEnv(&cfg)

	return &cfg
}

func overrideFromEnv(cfg *Config) {
	// DB配置
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DB.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DB.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DB.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DB.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DB.Name = name
	}

	// MQ配置
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.MQ.URL = url
	}

	// Redis配置
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	// JWT配置
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWT.Secret = secret
	}

	// Server配置
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}

	// VAPID key pair
	if pub := os.Getenv("VAPID_PUBLIC_KEY"); pub != "" {
		cfg.VAPID.PublicKey = pub
	}
	if priv := os.Getenv("VAPID_PRIVATE_KEY"); priv != "" {
		cfg.VAPID.PrivateKey = priv
	}

	// Scanner配置
	if schedule := os.Getenv("SCANNER_SCHEDULE"); schedule != "" {
		cfg.Scanner.Schedule = schedule
	}
	if batch := os.Getenv("SCANNER_BATCH_SIZE"); batch != "" {
		if b, err := strconv.Atoi(batch); err == nil {
			cfg.Scanner.BatchSize = b
		}
	}
}
