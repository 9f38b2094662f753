package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

const (
	AnalysisRequested = "analysis.requested"
	AnalysisCompleted = "analysis.completed"
	AnalysisFailed    = "analysis.failed"
)

type Event struct {
	Type         string   `json:"type"`
	SubmissionID string   `json:"submissionId"`
	Status       string   `json:"status,omitempty"`
	OverallScore *float64 `json:"overallScore,omitempty"`
	RequestedBy  string   `json:"requestedBy,omitempty"`
	Error        string   `json:"error,omitempty"`
	At           string   `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSPublisher struct {
	client   SNSClient
	topicArn string
	now      func() time.Time
}

// NewPublisher returns a no-op publisher when topicArn is empty.
func NewPublisher(c SNSClient, topicArn string) Publisher {
	topicArn = strings.TrimSpace(topicArn)
	if c == nil || topicArn == "" {
		return Nop{}
	}
	return &SNSPublisher{client: c, topicArn: topicArn, now: time.Now}
}

func (p *SNSPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.At == "" {
		ev.At = p.now().UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicArn),
		Subject:  aws.String(subject(ev)),
		Message:  aws.String(string(b)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"eventType": {DataType: aws.String("String"), StringValue: aws.String(ev.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish %s for %s: %w", ev.Type, ev.SubmissionID, err)
	}
	return nil
}

// SNS subjects are limited to 100 chars.
func subject(ev Event) string {
	s := fmt.Sprintf("Document review: %s (%s)", ev.Type, ev.SubmissionID)
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
