package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" validate:"required"`
	Mode string `mapstructure:"mode" validate:"oneof=debug release test"` // gin 运行模式
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error fatal"`
	Format     string `mapstructure:"format" validate:"oneof=json text"` // json 或 text
	Output     string `mapstructure:"output" validate:"oneof=stdout file"`
	Dir        string `mapstructure:"dir"`         // 日志文件目录
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" validate:"oneof=sqlite mysql postgres"`
	DSN          string `mapstructure:"dsn" validate:"required"` // sqlite 时为文件路径
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" validate:"gte=0"`
	LogLevel     string `mapstructure:"log_level" validate:"oneof=silent error warn info"` // gorm 日志级别
}

type QueueConfig struct {
	StuckTimeoutMinutes int           `mapstructure:"stuck_timeout_minutes" validate:"gte=1"`
	SweepCron           string        `mapstructure:"sweep_cron" validate:"required"`
	PromoteCron         string        `mapstructure:"promote_cron" validate:"required"`
	CleanupCron         string        `mapstructure:"cleanup_cron" validate:"required"`
	RetentionDays       int           `mapstructure:"retention_days" validate:"gte=1"`
	OrphanLockGrace     time.Duration `mapstructure:"orphan_lock_grace"`
	KillTimeout         time.Duration `mapstructure:"kill_timeout"`
	LogDir              string        `mapstructure:"log_dir" validate:"required"` // 任务日志目录
	RecoverOnStartup    bool          `mapstructure:"recover_on_startup"`
}

type WorkerConfig struct {
	Stages       []string            `mapstructure:"stages" validate:"dive,oneof=script image video youtube"`
	PollInterval time.Duration       `mapstructure:"poll_interval" validate:"gt=0"`
	Executor     string              `mapstructure:"executor" validate:"oneof=command http"`
	PidDir       string              `mapstructure:"pid_dir" validate:"required"`
	Commands     map[string][]string `mapstructure:"commands"` // 每个阶段的外部命令
	HTTP         HTTPExecutorConfig  `mapstructure:"http"`
}

type HTTPExecutorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StuckTimeout 卡死判定时长
func (q QueueConfig) StuckTimeout() time.Duration {
	return time.Duration(q.StuckTimeoutMinutes) * time.Minute
}

// Load 从全局 viper 实例读取配置
func Load() (*Config, error) {
	return load(viper.GetViper())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 读取配置
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			return nil, fmt.Errorf("读取配置文件出错: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解码配置: %w", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// Watch 监听配置文件变化，重新解析成功后回调
func Watch(onChange func(*Config)) {
	v := viper.GetViper()
	v.OnConfigChange(func(e fsnotify.Event) {
		var config Config
		if err := v.Unmarshal(&config); err != nil {
			log.Printf("配置重新加载失败: %v", err)
			return
		}
		if err := validateConfig(&config); err != nil {
			log.Printf("配置重新加载后验证失败: %v", err)
			return
		}
		log.Printf("配置文件已更新: %s", e.Name)
		onChange(&config)
	})
	v.WatchConfig()
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "5000")
	v.SetDefault("server.mode", "release")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.dir", "data/logs")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/trend-pipeline.db")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.log_level", "warn")

	// 队列默认配置
	v.SetDefault("queue.stuck_timeout_minutes", 10)
	v.SetDefault("queue.sweep_cron", "@every 1m")
	v.SetDefault("queue.promote_cron", "@every 30s")
	v.SetDefault("queue.cleanup_cron", "0 3 * * *")
	v.SetDefault("queue.retention_days", 30)
	v.SetDefault("queue.orphan_lock_grace", time.Minute)
	v.SetDefault("queue.kill_timeout", 30*time.Second)
	v.SetDefault("queue.log_dir", "data/tasks")
	v.SetDefault("queue.recover_on_startup", false)

	// worker 默认配置
	v.SetDefault("worker.stages", []string{"script", "image", "video", "youtube"})
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.executor", "command")
	v.SetDefault("worker.pid_dir", "data/pids")
	v.SetDefault("worker.http.timeout", 30*time.Minute)
}

var validate = validator.New()

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		return err
	}
	if config.Worker.Executor == "http" && config.Worker.HTTP.BaseURL == "" {
		return fmt.Errorf("worker.executor 为 http 时必须设置 worker.http.base_url")
	}
	return nil
}
