package config

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
)

type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Database struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

// DSN renders a lib/pq connection URL.
func (d Database) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}

type Athena struct {
	Database  string
	Table     string
	Workgroup string
	Output    string // s3://bucket/prefix/
}

type Config struct {
	LogLevel string

	DB Database

	BedrockModelID string

	DocumentsBucket string

	LLMCacheTable      string
	LLMCacheTTLSeconds int64

	NotifyTopicArn   string // analysis.completed / analysis.failed
	AnalysisTopicArn string // analysis.requested, consumed by the orchestrator

	AnalyticsBucket string
	UsagePrefix     string
	ETLDaysBack     int
	Athena          Athena
}

// LoadDotenv reads an optional .env file for local runs. Missing file is fine;
// real Lambda environments only use process env.
func LoadDotenv() {
	_ = godotenv.Load()
}

// Load reads configuration from the environment. When DB_PASSWORD is empty and
// DB_PASSWORD_PARAM names an SSM parameter, the password is fetched (decrypted)
// from Parameter Store. ssmClient may be nil when no parameter is configured.
func Load(ctx context.Context, ssmClient SSMClient) (*Config, error) {
	c := &Config{
		LogLevel: env("LOG_LEVEL", "info"),
		DB: Database{
			Host:     env("DB_HOST", "localhost"),
			Port:     env("DB_PORT", "5432"),
			Name:     env("DB_NAME", "overlay"),
			User:     env("DB_USER", "postgres"),
			Password: env("DB_PASSWORD", ""),
			SSLMode:  env("DB_SSLMODE", "require"),
		},
		BedrockModelID:     env("BEDROCK_MODEL_ID", "anthropic.claude-3-5-sonnet-20241022-v2:0"),
		DocumentsBucket:    env("DOCUMENTS_BUCKET", ""),
		LLMCacheTable:      env("LLM_CACHE_TABLE", ""),
		LLMCacheTTLSeconds: envInt64("LLM_CACHE_TTL_SECONDS", 86400),
		NotifyTopicArn:     env("NOTIFY_TOPIC_ARN", ""),
		AnalysisTopicArn:   env("ANALYSIS_TOPIC_ARN", ""),
		AnalyticsBucket:    env("ANALYTICS_BUCKET", ""),
		UsagePrefix:        env("USAGE_METRICS_PREFIX", "usage_metrics/"),
		ETLDaysBack:        int(envInt64("ETL_DAYS_BACK", 1)),
		Athena: Athena{
			Database:  env("ATHENA_DATABASE", ""),
			Table:     env("ATHENA_TABLE", ""),
			Workgroup: env("ATHENA_WORKGROUP", "primary"),
			Output:    env("ATHENA_OUTPUT", ""),
		},
	}

	if c.ETLDaysBack <= 0 || c.ETLDaysBack > 90 {
		c.ETLDaysBack = 1
	}

	if c.DB.Password == "" {
		param := env("DB_PASSWORD_PARAM", "")
		if param != "" {
			if ssmClient == nil {
				return nil, fmt.Errorf("DB_PASSWORD_PARAM set but no ssm client")
			}
			pw, err := fetchParameter(ctx, ssmClient, param)
			if err != nil {
				return nil, err
			}
			c.DB.Password = pw
		}
	}

	return c, nil
}

func fetchParameter(ctx context.Context, c SSMClient, name string) (string, error) {
	out, err := c.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm GetParameter %s: %w", name, err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", fmt.Errorf("ssm parameter %s is empty", name)
	}
	return aws.ToString(out.Parameter.Value), nil
}

func env(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
