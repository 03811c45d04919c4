package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the speaking practice service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Session limits enforced regardless of what clients request.
	MaxSpeakDuration    time.Duration
	MaxSubjectLen       int
	AudioBytesPerSecond int
	ViolationLimit      int
	RegistryCapacity    int

	// Processing pipeline budgets.
	PipelineTimeout time.Duration
	StageTimeout    time.Duration
	RetryBase       time.Duration
	RetryCap        time.Duration

	CollabMode     string
	TranscriberURL string
	EvaluatorURL   string
	SynthesizerURL string

	// AuthTokens is a comma separated "token:user_id" list. Empty disables
	// authentication and sessions run as anonymous.
	AuthTokens string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "speakd"),
		AllowAnyOrigin:      false,
		ShutdownTimeout:     15 * time.Second,
		MaxSpeakDuration:    3 * time.Minute,
		MaxSubjectLen:       200,
		AudioBytesPerSecond: 32000,
		ViolationLimit:      5,
		RegistryCapacity:    512,
		PipelineTimeout:     30 * time.Second,
		StageTimeout:        12 * time.Second,
		RetryBase:           250 * time.Millisecond,
		RetryCap:            2 * time.Second,
		CollabMode:          envOrDefault("COLLAB_MODE", "auto"),
		TranscriberURL:      trimmedEnv("TRANSCRIBER_URL"),
		EvaluatorURL:        trimmedEnv("EVALUATOR_URL"),
		SynthesizerURL:      trimmedEnv("SYNTHESIZER_URL"),
		AuthTokens:          trimmedEnv("AUTH_TOKENS"),
		DatabaseURL:         trimmedEnv("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSpeakDuration, err = durationFromEnv("APP_MAX_SPEAK_DURATION", cfg.MaxSpeakDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.PipelineTimeout, err = durationFromEnv("APP_PIPELINE_TIMEOUT", cfg.PipelineTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StageTimeout, err = durationFromEnv("APP_STAGE_TIMEOUT", cfg.StageTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBase, err = durationFromEnv("APP_RETRY_BASE", cfg.RetryBase)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryCap, err = durationFromEnv("APP_RETRY_CAP", cfg.RetryCap)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSubjectLen, err = intFromEnv("APP_MAX_SUBJECT_LEN", cfg.MaxSubjectLen)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioBytesPerSecond, err = intFromEnv("APP_AUDIO_BYTES_PER_SECOND", cfg.AudioBytesPerSecond)
	if err != nil {
		return Config{}, err
	}
	cfg.ViolationLimit, err = intFromEnv("APP_VIOLATION_LIMIT", cfg.ViolationLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.RegistryCapacity, err = intFromEnv("APP_REGISTRY_CAPACITY", cfg.RegistryCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxSpeakDuration < time.Second {
		return Config{}, fmt.Errorf("APP_MAX_SPEAK_DURATION must be at least 1s")
	}
	if cfg.MaxSubjectLen <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_SUBJECT_LEN must be positive")
	}
	if cfg.AudioBytesPerSecond <= 0 {
		return Config{}, fmt.Errorf("APP_AUDIO_BYTES_PER_SECOND must be positive")
	}
	if cfg.ViolationLimit <= 0 {
		return Config{}, fmt.Errorf("APP_VIOLATION_LIMIT must be positive")
	}
	if cfg.RegistryCapacity <= 0 {
		return Config{}, fmt.Errorf("APP_REGISTRY_CAPACITY must be positive")
	}
	if cfg.PipelineTimeout < cfg.StageTimeout {
		return Config{}, fmt.Errorf("APP_PIPELINE_TIMEOUT must not be shorter than APP_STAGE_TIMEOUT")
	}
	switch cfg.CollabMode {
	case "auto", "http", "mock":
	default:
		return Config{}, fmt.Errorf("COLLAB_MODE must be auto, http, or mock, got %q", cfg.CollabMode)
	}
	if cfg.CollabMode == "http" && (cfg.TranscriberURL == "" || cfg.EvaluatorURL == "" || cfg.SynthesizerURL == "") {
		return Config{}, fmt.Errorf("COLLAB_MODE=http requires TRANSCRIBER_URL, EVALUATOR_URL and SYNTHESIZER_URL")
	}

	return cfg, nil
}

// HTTPCollaborators reports whether the remote collaborator endpoints
// should be used. In auto mode the presence of all three URLs decides.
func (c Config) HTTPCollaborators() bool {
	switch c.CollabMode {
	case "http":
		return true
	case "mock":
		return false
	}
	return c.TranscriberURL != "" && c.EvaluatorURL != "" && c.SynthesizerURL != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("%s parse error: %q is not a boolean", key, v)
}
