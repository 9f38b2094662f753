package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSNS struct {
	in  *sns.PublishInput
	err error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.in = in
	return &sns.PublishOutput{}, f.err
}

func TestSNSPublisher(t *testing.T) {
	f := &fakeSNS{}
	p := NewPublisher(f, "arn:aws:sns:us-east-1:1:review").(*SNSPublisher)
	p.now = func() time.Time { return time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC) }

	score := 81.5
	require.NoError(t, p.Publish(context.Background(), Event{Type: AnalysisCompleted, SubmissionID: "sub-1", OverallScore: &score}))

	assert.Equal(t, "arn:aws:sns:us-east-1:1:review", aws.ToString(f.in.TopicArn))
	assert.Equal(t, "Document review: analysis.completed (sub-1)", aws.ToString(f.in.Subject))
	assert.Equal(t, AnalysisCompleted, aws.ToString(f.in.MessageAttributes["eventType"].StringValue))

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(f.in.Message)), &ev))
	assert.Equal(t, "2026-10-19T08:00:00Z", ev.At)
	assert.Equal(t, 81.5, *ev.OverallScore)
}

func TestSNSPublisherError(t *testing.T) {
	p := NewPublisher(&fakeSNS{err: errors.New("AuthorizationError")}, "arn")
	assert.ErrorContains(t, p.Publish(context.Background(), Event{Type: AnalysisFailed}), "AuthorizationError")
}

func TestNopWhenUnconfigured(t *testing.T) {
	assert.IsType(t, Nop{}, NewPublisher(&fakeSNS{}, " "))
	assert.IsType(t, Nop{}, NewPublisher(nil, "arn"))
}

func TestSubjectTruncated(t *testing.T) {
	s := subject(Event{Type: AnalysisFailed, SubmissionID: strings.Repeat("x", 200)})
	assert.Len(t, s, 100)
}
