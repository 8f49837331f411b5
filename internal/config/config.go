package config

import (
	"os"
	"strconv"
	"time"
)

// Config 服务配置
type Config struct {
	MQTT struct {
		Broker      string
		ClientID    string
		Username    string
		Password    string
		DataTopic   string // 传感器数据主题，如 "agri/sensors/+/data"
		StatusTopic string // 设备状态主题，如 "agri/devices/+/status"
		QoS         int
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		Database string
		SSLMode  string
		Enabled  bool // 无 Postgres 时可关闭告警历史表
	}

	HTTP struct {
		Addr string
	}

	Bus struct {
		BufferSize int // 每订阅者队列容量
	}

	Store struct {
		SweepInterval    time.Duration
		StaleThreshold   time.Duration
		OfflineThreshold time.Duration
	}

	Telemetry struct {
		KeyPrefix    string
		StreamMaxLen int64
		AnalysisTTL  time.Duration
	}

	Analysis struct {
		EngineURL  string
		Workers    int
		QueueLimit int
		RunTimeout time.Duration
		CacheSize  int
		CacheTTL   time.Duration
	}

	Alert struct {
		TTL time.Duration
	}

	Hub struct {
		QueueSize         int
		HeartbeatInterval time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置（带默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "agrihub")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.DataTopic = getEnv("MQTT_DATA_TOPIC", "agri/sensors/+/data")
	cfg.MQTT.StatusTopic = getEnv("MQTT_STATUS_TOPIC", "agri/devices/+/status")
	cfg.MQTT.QoS = getEnvInt("MQTT_QOS", 1)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "agrihub")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.Enabled = getEnvBool("DB_ENABLED", true)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Bus.BufferSize = getEnvInt("BUS_BUFFER_SIZE", 64)

	cfg.Store.SweepInterval = getEnvDuration("STORE_SWEEP_INTERVAL", 30*time.Second)
	cfg.Store.StaleThreshold = getEnvDuration("STORE_STALE_THRESHOLD", 90*time.Second)
	cfg.Store.OfflineThreshold = getEnvDuration("STORE_OFFLINE_THRESHOLD", 5*time.Minute)

	cfg.Telemetry.KeyPrefix = getEnv("TELEMETRY_KEY_PREFIX", "agri:")
	cfg.Telemetry.StreamMaxLen = int64(getEnvInt("TELEMETRY_STREAM_MAXLEN", 10000))
	cfg.Telemetry.AnalysisTTL = getEnvDuration("TELEMETRY_ANALYSIS_TTL", 24*time.Hour)

	cfg.Analysis.EngineURL = getEnv("ANALYSIS_ENGINE_URL", "http://localhost:9090")
	cfg.Analysis.Workers = getEnvInt("ANALYSIS_WORKERS", 1)
	cfg.Analysis.QueueLimit = getEnvInt("ANALYSIS_QUEUE_LIMIT", 16)
	cfg.Analysis.RunTimeout = getEnvDuration("ANALYSIS_RUN_TIMEOUT", 60*time.Second)
	cfg.Analysis.CacheSize = getEnvInt("ANALYSIS_CACHE_SIZE", 64)
	cfg.Analysis.CacheTTL = getEnvDuration("ANALYSIS_CACHE_TTL", time.Hour)

	cfg.Alert.TTL = getEnvDuration("ALERT_TTL", 24*time.Hour)

	cfg.Hub.QueueSize = getEnvInt("HUB_QUEUE_SIZE", 64)
	cfg.Hub.HeartbeatInterval = getEnvDuration("HUB_HEARTBEAT_INTERVAL", 30*time.Second)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
