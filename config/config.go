package config

import (
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env               string           `mapstructure:"env"`
	LogLevel          string           `mapstructure:"log_level"`
	LogType           string           `mapstructure:"log_type"`
	ServiceName       string           `mapstructure:"service_name"`
	Port              string           `mapstructure:"port"`
	Version           string           `mapstructure:"version"`
	DataDir           string           `mapstructure:"data_dir"`
	ShutdownTimeout   time.Duration    `mapstructure:"shutdown_timeout"`
	PublishWorkers    int              `mapstructure:"publish_workers"`
	DisplaySettings   *DisplayConfig   `mapstructure:"display"`
	CaptureSettings   *CaptureConfig   `mapstructure:"capture"`
	SchedulerSettings *SchedulerConfig `mapstructure:"scheduler"`
	IntakeSettings    *IntakeConfig    `mapstructure:"intake"`
	CacheSettings     *CacheConfig     `mapstructure:"cache"`
	DbSettings        *DatabaseConfig  `mapstructure:"database"`
	KafkaSettings     *KafkaConfig     `mapstructure:"kafka"`
	S3Settings        *S3Config        `mapstructure:"s3"`
	CrawlerSettings   *CrawlerConfig   `mapstructure:"crawler"`
}

type DisplayConfig struct {
	MaxDisplay           int           `mapstructure:"max_display"`
	SettleDelay          time.Duration `mapstructure:"settle_delay"`
	SecondarySettleDelay time.Duration `mapstructure:"secondary_settle_delay"`
}

type CaptureConfig struct {
	PageReadyTimeout time.Duration `mapstructure:"page_ready_timeout"`
	RecordDuration   time.Duration `mapstructure:"record_duration"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	TerminateTimeout time.Duration `mapstructure:"terminate_timeout"`
	FrameRate        int           `mapstructure:"frame_rate"`
	Preset           string        `mapstructure:"preset"`
	Crf              int           `mapstructure:"crf"`
	XvfbPath         string        `mapstructure:"xvfb_path"`
	FfmpegPath       string        `mapstructure:"ffmpeg_path"`
	ChromePath       string        `mapstructure:"chrome_path"`
	XdotoolPath      string        `mapstructure:"xdotool_path"`
	ArchiveFallback  bool          `mapstructure:"archive_fallback"`
}

type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TasksFile    string        `mapstructure:"tasks_file"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timezone     string        `mapstructure:"timezone"`
}

type IntakeConfig struct {
	PromptEnabled bool          `mapstructure:"prompt_enabled"`
	QueueSize     int           `mapstructure:"queue_size"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type CacheConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Servers     string        `mapstructure:"servers"`
	TtlForLink  time.Duration `mapstructure:"ttl_for_link"`
	InFlightTtl time.Duration `mapstructure:"in_flight_ttl"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type KafkaConfig struct {
	Enabled  bool            `mapstructure:"enabled"`
	Producer *ProducerConfig `mapstructure:"producer"`
	Consumer *ConsumerConfig `mapstructure:"consumer"`
}

type ProducerConfig struct {
	Addr           string        `mapstructure:"addr"`
	WriteTopicName string        `mapstructure:"write_topic_name"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequiredAsks   int           `mapstructure:"required_acks"`
	Async          bool          `mapstructure:"async"`
}

type ConsumerConfig struct {
	ReadTopicName    string        `mapstructure:"read_topic_name"`
	Brokers          string        `mapstructure:"brokers"`
	GroupID          string        `mapstructure:"group_id"`
	MaxWait          time.Duration `mapstructure:"max_wait"`
	ReadBatchTimeout time.Duration `mapstructure:"read_batch_timeout"`
}

type S3Config struct {
	Enabled         bool   `mapstructure:"enabled"`
	AwsAccessKey    string `mapstructure:"aws_access_key"`
	AwsSecretKey    string `mapstructure:"aws_secret_key"`
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

type CrawlerConfig struct {
	RequestTimeout   int `mapstructure:"request_timeout"`
	Retries          int `mapstructure:"retries"`
	LastCrawlIndexes int `mapstructure:"last_crawl_indexes"`
}

func MustLoad() *Config {
	// .env is optional, variables may come from the environment directly
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found.")
	}

	v := viper.New()
	v.AddConfigPath(path.Join("."))
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	SetDefaults(v)

	err := v.ReadInConfig()
	if err != nil {
		slog.Error("can't initialize config file.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	cfg, err := Unmarshal(v)
	if err != nil {
		slog.Error("error unmarshalling viper config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return cfg
}

// Unmarshal decodes the viper state into a Config.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults registers the values used when config.yaml omits a key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "capture-worker")
	v.SetDefault("port", "8080")
	v.SetDefault("version", "dev")
	v.SetDefault("data_dir", "/data")
	v.SetDefault("shutdown_timeout", 2*time.Minute)
	v.SetDefault("publish_workers", 2)

	v.SetDefault("display.max_display", 99)
	v.SetDefault("display.settle_delay", 5*time.Second)
	v.SetDefault("display.secondary_settle_delay", 2*time.Second)

	v.SetDefault("capture.page_ready_timeout", 60*time.Second)
	v.SetDefault("capture.record_duration", 15*time.Second)
	v.SetDefault("capture.probe_timeout", 30*time.Second)
	v.SetDefault("capture.terminate_timeout", 10*time.Second)
	v.SetDefault("capture.frame_rate", 25)
	v.SetDefault("capture.preset", "medium")
	v.SetDefault("capture.crf", 23)
	v.SetDefault("capture.xvfb_path", "Xvfb")
	v.SetDefault("capture.ffmpeg_path", "ffmpeg")
	v.SetDefault("capture.chrome_path", "google-chrome")
	v.SetDefault("capture.xdotool_path", "xdotool")
	v.SetDefault("capture.archive_fallback", false)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.tasks_file", "tasks.json")
	v.SetDefault("scheduler.poll_interval", 5*time.Second)
	v.SetDefault("scheduler.timezone", "UTC")

	v.SetDefault("intake.prompt_enabled", true)
	v.SetDefault("intake.queue_size", 100)
	v.SetDefault("intake.retry_delay", 5*time.Second)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.ttl_for_link", 24*time.Hour)
	v.SetDefault("cache.in_flight_ttl", 30*time.Minute)

	v.SetDefault("database.enabled", false)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("s3.enabled", false)

	v.SetDefault("crawler.request_timeout", 30)
	v.SetDefault("crawler.retries", 3)
	v.SetDefault("crawler.last_crawl_indexes", 3)
}
