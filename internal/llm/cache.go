package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

type CacheClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type cacheItem struct {
	PK           string `dynamodbav:"PK"`
	Text         string `dynamodbav:"Text"`
	Model        string `dynamodbav:"Model"`
	InputTokens  int    `dynamodbav:"InputTokens"`
	OutputTokens int    `dynamodbav:"OutputTokens"`
	CreatedAt    int64  `dynamodbav:"CreatedAt"`
	ExpiresAt    int64  `dynamodbav:"ExpiresAt"`
}

// CachingProvider serves identical (model, max_tokens, prompt) calls from a
// DynamoDB table with a TTL attribute "ExpiresAt". Cache errors are logged
// and fall through to the wrapped provider.
type CachingProvider struct {
	next  Provider
	ddb   CacheClient
	table string
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time
}

// NewCachingProvider returns next unchanged when ddb or table is unset.
func NewCachingProvider(next Provider, ddb CacheClient, table string, ttl time.Duration, log *zap.Logger) Provider {
	table = strings.TrimSpace(table)
	if ddb == nil || table == "" {
		return next
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachingProvider{next: next, ddb: ddb, table: table, ttl: ttl, log: log, now: time.Now}
}

func CacheKey(prompt string, opts Options) string {
	material := strings.Join([]string{
		"model=" + strings.TrimSpace(opts.Model),
		fmt.Sprintf("max_tokens=%d", opts.MaxTokens),
		fmt.Sprintf("temperature=%g", opts.Temperature),
		"prompt=" + prompt,
	}, "|")
	sum := sha256.Sum256([]byte(material))
	return "LLM#" + hex.EncodeToString(sum[:])
}

func (c *CachingProvider) SendMessage(ctx context.Context, prompt string, opts Options) (*Message, error) {
	key := CacheKey(prompt, opts)

	if msg, ok := c.get(ctx, key); ok {
		c.log.Debug("llm cache hit", zap.String("key", key))
		return msg, nil
	}

	msg, err := c.next.SendMessage(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	c.put(ctx, key, msg)
	return msg, nil
}

func (c *CachingProvider) get(ctx context.Context, key string) (*Message, bool) {
	out, err := c.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.table),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		c.log.Warn("llm cache GetItem", zap.Error(err))
		return nil, false
	}
	if len(out.Item) == 0 {
		return nil, false
	}

	var it cacheItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		c.log.Warn("llm cache item unmarshal", zap.Error(err))
		return nil, false
	}
	// TTL deletion is lazy on DynamoDB's side.
	if it.ExpiresAt > 0 && it.ExpiresAt <= c.now().Unix() {
		return nil, false
	}
	return &Message{
		Text:   it.Text,
		Model:  it.Model,
		Usage:  Usage{InputTokens: it.InputTokens, OutputTokens: it.OutputTokens},
		Cached: true,
	}, true
}

func (c *CachingProvider) put(ctx context.Context, key string, msg *Message) {
	now := c.now().UTC()
	item, err := attributevalue.MarshalMap(cacheItem{
		PK:           key,
		Text:         msg.Text,
		Model:        msg.Model,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		CreatedAt:    now.Unix(),
		ExpiresAt:    now.Add(c.ttl).Unix(),
	})
	if err != nil {
		c.log.Warn("llm cache item marshal", zap.Error(err))
		return
	}
	if _, err := c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      item,
	}); err != nil {
		c.log.Warn("llm cache PutItem", zap.Error(err))
	}
}
