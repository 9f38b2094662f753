// Package app wires the shared dependencies every Lambda entrypoint needs.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"

	"docreview/internal/config"
	"docreview/internal/db"
	"docreview/internal/documents"
	"docreview/internal/llm"
	"docreview/internal/logger"
	"docreview/internal/notify"
	"docreview/internal/pipeline"
)

type App struct {
	AWS aws.Config
	Cfg *config.Config
	Log *zap.Logger
}

// Bootstrap loads AWS credentials (Lambda execution role), then the
// environment config. Called once per cold start.
func Bootstrap(ctx context.Context) (*App, error) {
	config.LoadDotenv()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	cfg, err := config.Load(ctx, ssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return &App{AWS: awsCfg, Cfg: cfg, Log: logger.New(cfg.LogLevel)}, nil
}

func (a *App) OpenDB() func(ctx context.Context) (*sql.DB, error) {
	return db.Opener(a.Cfg.DB)
}

// LLM is Bedrock, fronted by the DynamoDB response cache when
// LLM_CACHE_TABLE is set.
func (a *App) LLM() llm.Provider {
	var p llm.Provider = llm.NewBedrockProvider(bedrockruntime.NewFromConfig(a.AWS), a.Cfg.BedrockModelID)
	if ddb := db.NewDynamoClient(a.AWS, a.Cfg.LLMCacheTable); ddb != nil {
		ttl := time.Duration(a.Cfg.LLMCacheTTLSeconds) * time.Second
		p = llm.NewCachingProvider(p, ddb, a.Cfg.LLMCacheTable, ttl, a.Log)
	}
	return p
}

func (a *App) Notifier(topicArn string) notify.Publisher {
	return notify.NewPublisher(sns.NewFromConfig(a.AWS), topicArn)
}

// Runner builds the Lambda handler for one analysis stage.
func (a *App) Runner(stage pipeline.Stage) (*pipeline.Runner, error) {
	prompts, err := pipeline.DefaultPrompts()
	if err != nil {
		return nil, err
	}
	return &pipeline.Runner{
		Stage:    stage,
		OpenDB:   a.OpenDB(),
		LLM:      a.LLM(),
		Docs:     documents.NewS3Loader(s3.NewFromConfig(a.AWS), a.Cfg.DocumentsBucket),
		Prompts:  prompts,
		Notifier: a.Notifier(a.Cfg.NotifyTopicArn),
		Log:      a.Log,
	}, nil
}
