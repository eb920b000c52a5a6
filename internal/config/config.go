// Package config loads runtime configuration from the environment.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// EngineNative runs backtests inside the Go process; EnginePython
// delegates to an external interpreter.
const (
	EngineNative = "native"
	EnginePython = "python"
)

// Config holds the runtime settings for the server process.
type Config struct {
	Host            string
	Port            int
	DataDir         string
	Engine          string // native | python
	InterpreterPath string
	ScriptPath      string
	RowLimit        int
	DefaultSpan     time.Duration
	MaxJobDuration  time.Duration
	WorkerCount     int
	QueueSize       int
	EnableMetrics   bool
	LogLevel        string
}

// Load reads configuration from environment variables, falling back to an
// optional .env file and then to defaults. Missing .env is not an error.
func Load() Config {
	v := viper.New()
	v.SetConfigFile(".env")
	_ = v.ReadInConfig()
	v.AutomaticEnv()

	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("ENGINE", EngineNative)
	v.SetDefault("PYTHON_PATH", "python3")
	v.SetDefault("SCRIPT_PATH", "./scripts/backtest.py")
	v.SetDefault("ROW_LIMIT", 500000)
	v.SetDefault("DEFAULT_SPAN_DAYS", 180)
	v.SetDefault("MAX_JOB_MINUTES", 30)
	v.SetDefault("WORKER_COUNT", 0) // 0 = NumCPU
	v.SetDefault("QUEUE_SIZE", 256)
	v.SetDefault("ENABLE_METRICS", true)
	v.SetDefault("LOG_LEVEL", "info")

	return Config{
		Host:            v.GetString("HOST"),
		Port:            v.GetInt("PORT"),
		DataDir:         v.GetString("DATA_DIR"),
		Engine:          v.GetString("ENGINE"),
		InterpreterPath: v.GetString("PYTHON_PATH"),
		ScriptPath:      v.GetString("SCRIPT_PATH"),
		RowLimit:        v.GetInt("ROW_LIMIT"),
		DefaultSpan:     time.Duration(v.GetInt("DEFAULT_SPAN_DAYS")) * 24 * time.Hour,
		MaxJobDuration:  time.Duration(v.GetInt("MAX_JOB_MINUTES")) * time.Minute,
		WorkerCount:     v.GetInt("WORKER_COUNT"),
		QueueSize:       v.GetInt("QUEUE_SIZE"),
		EnableMetrics:   v.GetBool("ENABLE_METRICS"),
		LogLevel:        v.GetString("LOG_LEVEL"),
	}
}
