// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Emergency     EmergencyConfig     `mapstructure:"emergency"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Capture       CaptureConfig       `mapstructure:"capture"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// PoolSize 为 0 时使用 go-redis 的默认值
	PoolSize int `mapstructure:"pool_size"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。Enabled 为 false 时事件在进程内处理。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmergencyConfig 存储紧急录像接收相关的限制与时间参数。
type EmergencyConfig struct {
	MaxChunkBytes     int64         `mapstructure:"max_chunk_bytes"`
	MaxSessionBytes   int64         `mapstructure:"max_session_bytes"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	LockWait          time.Duration `mapstructure:"lock_wait"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	DownloadURLExpiry time.Duration `mapstructure:"download_url_expiry"`
}

// AdminConfig 是启动时自动创建的值班管理员账号。
type AdminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CaptureConfig 是采集客户端（cmd/capture）的配置。
type CaptureConfig struct {
	ServerURL        string        `mapstructure:"server_url"`
	Token            string        `mapstructure:"token"`
	UserID           string        `mapstructure:"user_id"`
	ChunkInterval    time.Duration `mapstructure:"chunk_interval"`
	CountdownSeconds int           `mapstructure:"countdown_seconds"`
	LocationTimeout  time.Duration `mapstructure:"location_timeout"`
	LocationMaxAge   time.Duration `mapstructure:"location_max_age"`
	UploadTimeout    time.Duration `mapstructure:"upload_timeout"`
	UploadRetries    int           `mapstructure:"upload_retries"`
	EmergencyType    string        `mapstructure:"emergency_type"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "debug")
	// 空默认值让这些键可以只通过环境变量提供
	for _, key := range []string{
		"database.mysql.dsn", "database.redis.addr", "database.redis.password",
		"jwt.secret", "minio.endpoint", "minio.access_key_id", "minio.secret_access_key",
		"elasticsearch.addresses", "kafka.brokers", "admin.username", "admin.password",
		"capture.token", "capture.user_id",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("jwt.refresh_token_expire_days", 7)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("kafka.topic", "emergency-events")
	v.SetDefault("kafka.group_id", "crimewatch-go-consumer")
	v.SetDefault("elasticsearch.index_name", "emergency_logs")
	v.SetDefault("minio.bucket_name", "emergency-videos")

	v.SetDefault("emergency.max_chunk_bytes", 10<<20)
	v.SetDefault("emergency.max_session_bytes", 512<<20)
	v.SetDefault("emergency.lock_ttl", 30*time.Second)
	v.SetDefault("emergency.lock_wait", 10*time.Second)
	v.SetDefault("emergency.stale_after", 10*time.Minute)
	v.SetDefault("emergency.sweep_interval", time.Minute)
	v.SetDefault("emergency.download_url_expiry", time.Hour)

	v.SetDefault("capture.server_url", "http://localhost:8081")
	v.SetDefault("capture.chunk_interval", time.Second)
	v.SetDefault("capture.countdown_seconds", 2)
	v.SetDefault("capture.location_timeout", 5*time.Second)
	v.SetDefault("capture.location_max_age", 5*time.Minute)
	v.SetDefault("capture.upload_timeout", 15*time.Second)
	v.SetDefault("capture.upload_retries", 1)
	v.SetDefault("capture.emergency_type", "panic_button")
}

// Load 读取配置文件并叠加环境变量（前缀 CRIMEWATCH_），返回解析结果。
// configPath 为空时只使用默认值和环境变量。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CRIMEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
