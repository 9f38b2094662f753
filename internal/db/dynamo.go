package db

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// NewDynamoClient returns nil when no table is configured, so callers can
// skip the LLM response cache entirely.
func NewDynamoClient(cfg aws.Config, table string) *dynamodb.Client {
	if table == "" {
		return nil
	}
	// Uses Lambda's execution role creds automatically
	return dynamodb.NewFromConfig(cfg)
}
