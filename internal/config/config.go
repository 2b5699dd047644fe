package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the service.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Store    StoreConfig
	Tools    ToolsConfig
	Timeouts TimeoutsConfig
	Jobs     JobsConfig
	Events   EventsConfig
	Stream   StreamConfig
	Cleanup  CleanupConfig
	Process  ProcessConfig
	Redis    RedisConfig
	Log      LogConfig
}

type ServerConfig struct {
	Addr        string `validate:"required"`
	CORSOrigins []string
}

type StorageConfig struct {
	// Root holds the transcripts/ and summaries/ directories.
	Root string `validate:"required"`
	// StateRoot holds logs/ and jobs/.
	StateRoot string `validate:"required"`
	TempDir   string `validate:"required"`
}

func (s StorageConfig) LogDir() string  { return filepath.Join(s.StateRoot, "logs") }
func (s StorageConfig) JobsDir() string { return filepath.Join(s.StateRoot, "jobs") }

type StoreConfig struct {
	Backend    string `validate:"oneof=file duckdb"`
	DuckDBPath string
}

type ToolsConfig struct {
	Runtime       string `validate:"oneof=exec docker"`
	DockerImage   string `validate:"required_if=Runtime docker"`
	Fetch         string `validate:"required"`
	Trim          string `validate:"required"`
	Transcribe    string `validate:"required"`
	Summarize     string `validate:"required"`
	SummarizeArgs []string
}

type TimeoutsConfig struct {
	Metadata  time.Duration `validate:"gte=0"`
	Download  time.Duration `validate:"gte=0"`
	Trim      time.Duration `validate:"gte=0"`
	Summarize time.Duration `validate:"gte=0"`
}

type JobsConfig struct {
	DefaultModel  string `validate:"required"`
	DefaultPrompt string
}

type EventsConfig struct {
	History int `validate:"gt=0"`
	Queue   int `validate:"gt=0"`
}

type StreamConfig struct {
	KeepAlive time.Duration `validate:"gt=0"`
}

type CleanupConfig struct {
	SubscriberWait time.Duration `validate:"gt=0"`
	Grace          time.Duration `validate:"gt=0"`
	Tick           time.Duration `validate:"gt=0"`
}

type ProcessConfig struct {
	KillGrace     time.Duration `validate:"gt=0"`
	ShutdownGrace time.Duration `validate:"gt=0"`
}

type RedisConfig struct {
	// Addr enables the progress mirror when set.
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json text"`
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("server.addr", ":8765")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("storage.root", filepath.Join(home, ".local", "share", "scribed"))
	v.SetDefault("state.root", filepath.Join(home, ".local", "state", "scribed"))
	v.SetDefault("temp.dir", filepath.Join(os.TempDir(), "scribed"))
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.duckdb_path", "")
	v.SetDefault("tools.runtime", "exec")
	v.SetDefault("tools.docker_image", "")
	v.SetDefault("tools.fetch", "yt-dlp")
	v.SetDefault("tools.trim", "ffmpeg")
	v.SetDefault("tools.transcribe", "transcribe")
	v.SetDefault("tools.summarize", "claude")
	v.SetDefault("tools.summarize_args", []string{"-p"})
	v.SetDefault("timeouts.metadata", 30*time.Second)
	v.SetDefault("timeouts.download", 600*time.Second)
	v.SetDefault("timeouts.trim", 120*time.Second)
	v.SetDefault("timeouts.summarize", 10*time.Minute)
	v.SetDefault("jobs.default_model", "small")
	v.SetDefault("jobs.default_prompt", "")
	v.SetDefault("events.history", 100)
	v.SetDefault("events.queue", 100)
	v.SetDefault("stream.keepalive", 3*time.Second)
	v.SetDefault("cleanup.subscriber_wait", 60*time.Second)
	v.SetDefault("cleanup.grace", 5*time.Minute)
	v.SetDefault("cleanup.tick", time.Second)
	v.SetDefault("process.kill_grace", 5*time.Second)
	v.SetDefault("process.shutdown_grace", time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "progress:")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from defaults, an optional YAML file and
// SCRIBED_* environment variables, in increasing priority. With an empty
// path a scribed.yaml in the working directory or in ~/.config/scribed is
// used if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("scribed")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "scribed"))
		}
	}

	v.SetEnvPrefix("SCRIBED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:        v.GetString("server.addr"),
			CORSOrigins: v.GetStringSlice("server.cors_origins"),
		},
		Storage: StorageConfig{
			Root:      expandHome(v.GetString("storage.root")),
			StateRoot: expandHome(v.GetString("state.root")),
			TempDir:   expandHome(v.GetString("temp.dir")),
		},
		Store: StoreConfig{
			Backend:    v.GetString("store.backend"),
			DuckDBPath: expandHome(v.GetString("store.duckdb_path")),
		},
		Tools: ToolsConfig{
			Runtime:       v.GetString("tools.runtime"),
			DockerImage:   v.GetString("tools.docker_image"),
			Fetch:         v.GetString("tools.fetch"),
			Trim:          v.GetString("tools.trim"),
			Transcribe:    v.GetString("tools.transcribe"),
			Summarize:     v.GetString("tools.summarize"),
			SummarizeArgs: v.GetStringSlice("tools.summarize_args"),
		},
		Timeouts: TimeoutsConfig{
			Metadata:  v.GetDuration("timeouts.metadata"),
			Download:  v.GetDuration("timeouts.download"),
			Trim:      v.GetDuration("timeouts.trim"),
			Summarize: v.GetDuration("timeouts.summarize"),
		},
		Jobs: JobsConfig{
			DefaultModel:  v.GetString("jobs.default_model"),
			DefaultPrompt: v.GetString("jobs.default_prompt"),
		},
		Events: EventsConfig{
			History: v.GetInt("events.history"),
			Queue:   v.GetInt("events.queue"),
		},
		Stream: StreamConfig{
			KeepAlive: v.GetDuration("stream.keepalive"),
		},
		Cleanup: CleanupConfig{
			SubscriberWait: v.GetDuration("cleanup.subscriber_wait"),
			Grace:          v.GetDuration("cleanup.grace"),
			Tick:           v.GetDuration("cleanup.tick"),
		},
		Process: ProcessConfig{
			KillGrace:     v.GetDuration("process.kill_grace"),
			ShutdownGrace: v.GetDuration("process.shutdown_grace"),
		},
		Redis: RedisConfig{
			Addr:          v.GetString("redis.addr"),
			Password:      v.GetString("redis.password"),
			DB:            v.GetInt("redis.db"),
			ChannelPrefix: v.GetString("redis.channel_prefix"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
	}
	if cfg.Store.DuckDBPath == "" {
		cfg.Store.DuckDBPath = filepath.Join(cfg.Storage.StateRoot, "jobs.duckdb")
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
