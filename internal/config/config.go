package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	OperationEvents string `mapstructure:"operation_events"`
}

// OutboxConfig 发件箱投递参数
type OutboxConfig struct {
	PollIntervalMs     int `mapstructure:"poll_interval_ms"`
	BatchSize          int `mapstructure:"batch_size"`
	BaseDelayMs        int `mapstructure:"base_delay_ms"`
	MaxDelayMs         int `mapstructure:"max_delay_ms"`
	MaxAttempts        int `mapstructure:"max_attempts"`
	LockTimeoutSeconds int `mapstructure:"lock_timeout_seconds"`
}

type BusinessConfig struct {
	ServiceName              string `mapstructure:"service_name"`
	StuckTimeoutMinutes      int    `mapstructure:"stuck_timeout_minutes"`
	ReconcileIntervalSeconds int    `mapstructure:"reconcile_interval_seconds"`
	ReconcileBatchSize       int    `mapstructure:"reconcile_batch_size"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
