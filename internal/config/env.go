package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3100"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	// APITokens maps a bearer token to "user|role+role",
	// e.g. NEXO_API_TOKENS="t1:alice|admin+qa,t2:agent-amazon|agent".
	APITokens map[string]string `envconfig:"API_TOKENS"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".nexo/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"nexo/"`
	S3Region string `envconfig:"S3_REGION" default:"us-east-1"`
}

type JobEnv struct {
	MaxAttempts int           `envconfig:"JOB_MAX_ATTEMPTS" default:"3"`
	BackoffBase time.Duration `envconfig:"JOB_BACKOFF_BASE" default:"2s"`
	MaxBackoff  time.Duration `envconfig:"JOB_MAX_BACKOFF" default:"5m"`
}

type MonitorEnv struct {
	ActiveWindow    time.Duration `envconfig:"MONITOR_ACTIVE_WINDOW" default:"24h"`
	CompletionFloor float64       `envconfig:"MONITOR_COMPLETION_FLOOR" default:"50"`
	PolicyFile      string        `envconfig:"MONITOR_POLICY_FILE"`
}

type LoopEnv struct {
	// Interval of the in-process scheduler; zero leaves scheduling to an
	// external cron calling the HTTP endpoint.
	Interval   time.Duration `envconfig:"LOOP_INTERVAL" default:"0"`
	CronSecret string        `envconfig:"LOOP_CRON_SECRET"`
	// DisabledChannels are channel keys whose agents start disabled; runs
	// without an explicit channel list skip them.
	DisabledChannels []string `envconfig:"DISABLED_CHANNELS"`
}

type VAPIDEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDContact    string `envconfig:"VAPID_CONTACT" default:"mailto:ops@nexo.local"`
}

type ClaudeEnv struct {
	Enabled  bool   `envconfig:"CLAUDE_ENABLED" default:"false"`
	WorkDir  string `envconfig:"CLAUDE_WORK_DIR" default:"."`
	MaxTurns int    `envconfig:"CLAUDE_MAX_TURNS" default:"3"`
}

type Env struct {
	BaseEnv
	StorageEnv
	JobEnv
	MonitorEnv
	LoopEnv
	VAPIDEnv
	ClaudeEnv
}

const namespace = "NEXO"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	if env.JobEnv.MaxAttempts < 1 {
		return nil, fmt.Errorf("failed to load env: %s_JOB_MAX_ATTEMPTS must be >= 1", namespace)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

// TokenPrincipal is the parsed value side of APITokens.
type TokenPrincipal struct {
	UserID string
	Roles  []string
}

func (e *BaseEnv) Tokens() map[string]TokenPrincipal {
	out := make(map[string]TokenPrincipal, len(e.APITokens))
	for token, v := range e.APITokens {
		user, roles, _ := strings.Cut(v, "|")
		p := TokenPrincipal{UserID: user}
		if roles != "" {
			p.Roles = strings.Split(roles, "+")
		}
		out[token] = p
	}
	return out
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}

func JobEnvFromEnv(env *Env) *JobEnv {
	return &env.JobEnv
}

func MonitorEnvFromEnv(env *Env) *MonitorEnv {
	return &env.MonitorEnv
}

func LoopEnvFromEnv(env *Env) *LoopEnv {
	return &env.LoopEnv
}

func VAPIDEnvFromEnv(env *Env) *VAPIDEnv {
	return &env.VAPIDEnv
}

func ClaudeEnvFromEnv(env *Env) *ClaudeEnv {
	return &env.ClaudeEnv
}
