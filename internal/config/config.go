package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the process configuration. Values are resolved in the order
// defaults, YAML file, environment.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	DatabaseDSN string
	RedisAddr   string

	JWTSecret   string
	JWTAudience string
	CORSOrigins string

	UploadDir       string
	MaxUploadMB     int
	UploadPerMin    int
	ArtifactBackend string
	S3Bucket        string
	S3Region        string
	S3Prefix        string

	ModelPath            string
	ModelDownloadURL     string
	ModelDownloadTimeout time.Duration
	OnnxRuntimeLibrary   string
	ModelUseGPU          bool
	InferenceTimeout     time.Duration

	LogLevel string
	LogFile  string
}

type configFile struct {
	Server struct {
		HTTPAddr    string `yaml:"http_addr"`
		GRPCAddr    string `yaml:"grpc_addr"`
		CORSOrigins string `yaml:"cors_origins"`
	} `yaml:"server"`
	Dependencies struct {
		DatabaseDSN string `yaml:"database_dsn"`
		RedisAddr   string `yaml:"redis_addr"`
	} `yaml:"dependencies"`
	Auth struct {
		JWTSecret   string `yaml:"jwt_secret"`
		JWTAudience string `yaml:"jwt_audience"`
	} `yaml:"auth"`
	Upload struct {
		Folder        string `yaml:"folder"`
		MaxSizeMB     int    `yaml:"max_size_mb"`
		RatePerMinute int    `yaml:"rate_per_minute"`
		Backend       string `yaml:"backend"`
		S3Bucket      string `yaml:"s3_bucket"`
		S3Region      string `yaml:"s3_region"`
		S3Prefix      string `yaml:"s3_prefix"`
	} `yaml:"upload"`
	Model struct {
		Path                   string `yaml:"path"`
		DownloadURL            string `yaml:"download_url"`
		DownloadTimeoutSeconds int    `yaml:"download_timeout_seconds"`
		RuntimeLibrary         string `yaml:"runtime_library"`
		UseGPU                 *bool  `yaml:"use_gpu"`
		InferenceTimeoutSecs   int    `yaml:"inference_timeout_seconds"`
	} `yaml:"model"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:             ":8080",
		GRPCAddr:             ":9090",
		DatabaseDSN:          "host=postgres user=postgres password=postgres dbname=brightstart port=5432 sslmode=disable",
		JWTSecret:            "dev-secret",
		CORSOrigins:          "*",
		UploadDir:            "uploads",
		MaxUploadMB:          10,
		UploadPerMin:         30,
		ArtifactBackend:      "local",
		ModelPath:            "models/classifier.onnx",
		ModelDownloadTimeout: 300 * time.Second,
		ModelUseGPU:          true,
		InferenceTimeout:     30 * time.Second,
		LogLevel:             "info",
	}
}

// Load reads an optional .env file, the optional YAML file at path and then
// the environment.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := applyFile(&cfg, raw); err != nil {
			return Config{}, err
		}
	case !os.IsNotExist(err):
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	setString(&cfg.HTTPAddr, f.Server.HTTPAddr)
	setString(&cfg.GRPCAddr, f.Server.GRPCAddr)
	setString(&cfg.CORSOrigins, f.Server.CORSOrigins)
	setString(&cfg.DatabaseDSN, f.Dependencies.DatabaseDSN)
	setString(&cfg.RedisAddr, f.Dependencies.RedisAddr)
	setString(&cfg.JWTSecret, f.Auth.JWTSecret)
	setString(&cfg.JWTAudience, f.Auth.JWTAudience)
	setString(&cfg.UploadDir, f.Upload.Folder)
	setString(&cfg.ArtifactBackend, f.Upload.Backend)
	setString(&cfg.S3Bucket, f.Upload.S3Bucket)
	setString(&cfg.S3Region, f.Upload.S3Region)
	setString(&cfg.S3Prefix, f.Upload.S3Prefix)
	setString(&cfg.ModelPath, f.Model.Path)
	setString(&cfg.ModelDownloadURL, f.Model.DownloadURL)
	setString(&cfg.OnnxRuntimeLibrary, f.Model.RuntimeLibrary)
	setString(&cfg.LogLevel, f.Logging.Level)
	setString(&cfg.LogFile, f.Logging.File)
	if f.Upload.MaxSizeMB > 0 {
		cfg.MaxUploadMB = f.Upload.MaxSizeMB
	}
	if f.Upload.RatePerMinute > 0 {
		cfg.UploadPerMin = f.Upload.RatePerMinute
	}
	if f.Model.DownloadTimeoutSeconds > 0 {
		cfg.ModelDownloadTimeout = time.Duration(f.Model.DownloadTimeoutSeconds) * time.Second
	}
	if f.Model.InferenceTimeoutSecs > 0 {
		cfg.InferenceTimeout = time.Duration(f.Model.InferenceTimeoutSecs) * time.Second
	}
	if f.Model.UseGPU != nil {
		cfg.ModelUseGPU = *f.Model.UseGPU
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = getEnv("GRPC_ADDR", cfg.GRPCAddr)
	cfg.CORSOrigins = getEnv("CORS_ORIGINS", cfg.CORSOrigins)
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTAudience = getEnv("JWT_AUDIENCE", cfg.JWTAudience)
	cfg.UploadDir = getEnv("UPLOAD_FOLDER", cfg.UploadDir)
	cfg.MaxUploadMB = getEnvInt("MAX_CONTENT_LENGTH", cfg.MaxUploadMB)
	cfg.UploadPerMin = getEnvInt("UPLOAD_RATE_PER_MINUTE", cfg.UploadPerMin)
	cfg.ArtifactBackend = strings.ToLower(getEnv("ARTIFACT_BACKEND", cfg.ArtifactBackend))
	cfg.S3Bucket = getEnv("AWS_BUCKET_NAME", cfg.S3Bucket)
	cfg.S3Region = getEnv("AWS_REGION", cfg.S3Region)
	cfg.S3Prefix = getEnv("S3_PREFIX", cfg.S3Prefix)
	cfg.ModelPath = getEnv("MODEL_PATH", cfg.ModelPath)
	cfg.ModelDownloadURL = getEnv("MODEL_DOWNLOAD_URL", cfg.ModelDownloadURL)
	cfg.ModelDownloadTimeout = getEnvSeconds("MODEL_DOWNLOAD_TIMEOUT_SECONDS", cfg.ModelDownloadTimeout)
	cfg.OnnxRuntimeLibrary = getEnv("ONNXRUNTIME_LIB", cfg.OnnxRuntimeLibrary)
	cfg.ModelUseGPU = getEnvBool("MODEL_USE_GPU", cfg.ModelUseGPU)
	cfg.InferenceTimeout = getEnvSeconds("INFERENCE_TIMEOUT_SECONDS", cfg.InferenceTimeout)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
}

// Validate reports configuration that can never work.
func (c Config) Validate() error {
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max upload size must be positive, got %d MB", c.MaxUploadMB)
	}
	if c.ModelPath == "" {
		return fmt.Errorf("model path is required")
	}
	switch c.ArtifactBackend {
	case "local":
		if c.UploadDir == "" {
			return fmt.Errorf("upload folder is required for the local artifact backend")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("AWS_BUCKET_NAME is required for the s3 artifact backend")
		}
	default:
		return fmt.Errorf("unknown artifact backend %q", c.ArtifactBackend)
	}
	return nil
}

// MaxUploadBytes converts the megabyte ceiling into bytes.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * 1024 * 1024
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	seconds := getEnvInt(key, -1)
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func getEnvBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return value
}
