package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"docreview/internal/store"
)

// MaxRunes bounds the document text placed into a prompt.
const MaxRunes = 60000

var ErrNoDocument = errors.New("submission has no content and no s3 key")

type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Loader resolves the text of a submission.
type Loader interface {
	Load(ctx context.Context, sub *store.Submission) (string, error)
}

// S3Loader prefers the inline content column and falls back to the uploaded
// object in S3.
type S3Loader struct {
	client        S3Client
	defaultBucket string
}

func NewS3Loader(c S3Client, defaultBucket string) *S3Loader {
	return &S3Loader{client: c, defaultBucket: strings.TrimSpace(defaultBucket)}
}

func (l *S3Loader) Load(ctx context.Context, sub *store.Submission) (string, error) {
	if strings.TrimSpace(sub.Content) != "" {
		return Truncate(sub.Content, MaxRunes), nil
	}
	if strings.TrimSpace(sub.S3Key) == "" {
		return "", fmt.Errorf("submission %s: %w", sub.ID, ErrNoDocument)
	}

	bucket := strings.TrimSpace(sub.S3Bucket)
	if bucket == "" {
		bucket = l.defaultBucket
	}
	if bucket == "" {
		return "", fmt.Errorf("submission %s: no bucket for key %s", sub.ID, sub.S3Key)
	}

	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(sub.S3Key),
	})
	if err != nil {
		return "", fmt.Errorf("s3 getobject s3://%s/%s: %w", bucket, sub.S3Key, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("read s3://%s/%s: %w", bucket, sub.S3Key, err)
	}
	text := strings.ToValidUTF8(string(raw), "")
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("submission %s: %w", sub.ID, ErrNoDocument)
	}
	return Truncate(text, MaxRunes), nil
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
