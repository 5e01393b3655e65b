package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Log      LogConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Store    StoreConfig
	Engine   EngineConfig
	Safety   SafetyConfig
	SSH      SSHConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type LogConfig struct {
	Level      string
	FilePath   string
	MaxSize    int    // MB
	MaxBackups int    // 保留的备份文件数
	MaxAge     int    // 保留天数
	Compress   bool   // 是否压缩
	Format     string // json 或 text
}

type RedisConfig struct {
	Host     string // Redis主机地址
	Port     int    // Redis端口
	Password string // Redis密码
	DB       int    // Redis数据库编号
	Prefix   string // 键前缀
}

type CORSConfig struct {
	AllowOrigins     []string // 允许的源
	AllowMethods     []string // 允许的HTTP方法
	AllowHeaders     []string // 允许的请求头
	ExposeHeaders    []string // 暴露的响应头
	AllowCredentials bool     // 是否允许携带凭证
	MaxAge           int      // 预检请求缓存时间（小时）
}

// StoreConfig 存储后端配置
type StoreConfig struct {
	Driver           string // postgres 或 memory
	RateLimitBackend string // database 或 redis
}

// EngineConfig 执行引擎配置
type EngineConfig struct {
	Workers                int           // 并发执行的worker数量
	QueueBackend           string        // redis 或 memory
	QueueSize              int           // 内存队列容量
	SchedulerTick          time.Duration // 调度器轮询间隔
	DefaultApprovalTimeout int           // 默认审批超时（分钟）
	DefaultStepTimeout     int           // 默认步骤超时（秒）
	RecoverOnStart         bool          // 启动时回收上次遗留的执行
}

// SafetyConfig 安全闸门默认参数
type SafetyConfig struct {
	FailureThreshold        int // 熔断失败阈值
	FailureWindowMinutes    int // 失败统计窗口（分钟）
	OpenDurationMinutes     int // 熔断打开持续时间（分钟）
	GlobalMaxExecutionsHour int // 全局每小时最大执行数，0表示不限制
}

// SSHConfig 远程执行配置
type SSHConfig struct {
	DefaultUser    string
	DefaultPort    int
	KeyDir         string // 私钥目录，文件名即credential_ref
	ConnectTimeout time.Duration
	KnownHostsFile string // 为空时不校验主机指纹
}

// 全局配置实例和同步锁
var (
	globalConfig *Config
	once         sync.Once
)

func GetConfig() *Config {
	once.Do(func() {
		var err error
		globalConfig, err = LoadConfig()
		if err != nil {
			panic("Failed to load config: " + err.Error())
		}
	})
	return globalConfig
}

// 获取环境变量，如果不存在则使用默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// 获取环境变量转换为int
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// 获取环境变量转换为bool
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true"
	}
	return defaultValue
}

// 获取环境变量转换为时长，如 "10s"
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// 获取环境变量转换为字符串数组（逗号分隔）
func getEnvAsStringArray(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

func LoadConfig() (*Config, error) {
	// .env 文件可选
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Mode: getEnv("SERVER_MODE", "debug"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "remediation"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			FilePath:   getEnv("LOG_FILE_PATH", "logs/app.log"),
			MaxSize:    getEnvAsInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 7),
			MaxAge:     getEnvAsInt("LOG_MAX_AGE", 30),
			Compress:   getEnvAsBool("LOG_COMPRESS", true),
			Format:     getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "arp"),
		},
		CORS: CORSConfig{
			AllowOrigins:     getEnvAsStringArray("CORS_ALLOW_ORIGINS", []string{"*"}),
			AllowMethods:     getEnvAsStringArray("CORS_ALLOW_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"}),
			AllowHeaders:     getEnvAsStringArray("CORS_ALLOW_HEADERS", []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Requested-With", "X-Actor", "X-Actor-Roles"}),
			ExposeHeaders:    getEnvAsStringArray("CORS_EXPOSE_HEADERS", []string{"Content-Length", "Content-Type"}),
			AllowCredentials: getEnvAsBool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           getEnvAsInt("CORS_MAX_AGE", 12),
		},
		Store: StoreConfig{
			Driver:           getEnv("STORE_DRIVER", "postgres"),
			RateLimitBackend: getEnv("RATE_LIMIT_BACKEND", "database"),
		},
		Engine: EngineConfig{
			Workers:                getEnvAsInt("ENGINE_WORKERS", 8),
			QueueBackend:           getEnv("ENGINE_QUEUE_BACKEND", "redis"),
			QueueSize:              getEnvAsInt("ENGINE_QUEUE_SIZE", 1024),
			SchedulerTick:          getEnvAsDuration("SCHEDULER_TICK", 10*time.Second),
			DefaultApprovalTimeout: getEnvAsInt("APPROVAL_TIMEOUT_MINUTES", 30),
			DefaultStepTimeout:     getEnvAsInt("STEP_TIMEOUT_SECONDS", 60),
			RecoverOnStart:         getEnvAsBool("ENGINE_RECOVER_ON_START", true),
		},
		Safety: SafetyConfig{
			FailureThreshold:        getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 3),
			FailureWindowMinutes:    getEnvAsInt("BREAKER_FAILURE_WINDOW_MINUTES", 30),
			OpenDurationMinutes:     getEnvAsInt("BREAKER_OPEN_DURATION_MINUTES", 15),
			GlobalMaxExecutionsHour: getEnvAsInt("GLOBAL_MAX_EXECUTIONS_PER_HOUR", 100),
		},
		SSH: SSHConfig{
			DefaultUser:    getEnv("SSH_DEFAULT_USER", "root"),
			DefaultPort:    getEnvAsInt("SSH_DEFAULT_PORT", 22),
			KeyDir:         getEnv("SSH_KEY_DIR", "/etc/arp/keys"),
			ConnectTimeout: getEnvAsDuration("SSH_CONNECT_TIMEOUT", 30*time.Second),
			KnownHostsFile: getEnv("SSH_KNOWN_HOSTS", ""),
		},
	}

	return config, nil
}
