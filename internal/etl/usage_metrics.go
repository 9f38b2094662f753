package etl

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"

	"docreview/internal/config"
	"docreview/internal/db"
	"docreview/internal/store"
)

// UsageMetricsRow matches the Athena usage_metrics table columns.
type UsageMetricsRow struct {
	MetricDate   string  `parquet:"name=metric_date, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"` // YYYY-MM-DD
	ReportType   string  `parquet:"name=report_type, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Model        string  `parquet:"name=model, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Submissions  int64   `parquet:"name=submissions, type=INT64"`
	Calls        int64   `parquet:"name=calls, type=INT64"`
	CachedCalls  int64   `parquet:"name=cached_calls, type=INT64"`
	InputTokens  int64   `parquet:"name=input_tokens, type=INT64"`
	OutputTokens int64   `parquet:"name=output_tokens, type=INT64"`
	CostUSD      float64 `parquet:"name=cost_usd, type=DOUBLE"`
}

type S3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type UsageMetricsETL struct {
	OpenDB func(ctx context.Context) (*sql.DB, error)
	S3     S3Putter
	Athena AthenaClient
	Cfg    *config.Config
	Log    *zap.Logger

	now func() time.Time
}

// Handle is triggered by an EventBridge schedule. For each of the last
// ETLDaysBack UTC days it aggregates token_usage by (report_type, model) and
// writes one Parquet file under:
//
//	<prefix>dt=YYYY-MM-DD/part-0000.parquet
//
// The key is fixed per day so a re-run replaces the day's file.
// then repairs the Athena table partitions when anything was written.
func (h *UsageMetricsETL) Handle(ctx context.Context, _ events.CloudWatchEvent) (map[string]any, error) {
	bucket := strings.TrimSpace(h.Cfg.AnalyticsBucket)
	if bucket == "" {
		return nil, fmt.Errorf("missing env ANALYTICS_BUCKET")
	}
	prefix := ensureTrailingSlash(h.Cfg.UsagePrefix)
	daysBack := h.Cfg.ETLDaysBack
	if daysBack <= 0 {
		daysBack = 1
	}

	now := time.Now
	if h.now != nil {
		now = h.now
	}
	today := now().UTC().Truncate(24 * time.Hour)

	conn, err := h.OpenDB(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close(conn, h.Log)
	st := store.New(conn)

	written, calls := 0, 0
	for i := 0; i < daysBack; i++ {
		from := today.AddDate(0, 0, -i)
		dt := from.Format("2006-01-02")

		usage, err := st.ListTokenUsageBetween(ctx, from, from.AddDate(0, 0, 1))
		if err != nil {
			return nil, fmt.Errorf("usage for dt=%s: %w", dt, err)
		}
		rows := Aggregate(dt, usage)
		if len(rows) == 0 {
			h.Log.Info("no token usage", zap.String("dt", dt))
			continue
		}

		key := dayKey(prefix, dt)
		if err := h.writeParquetToS3(ctx, bucket, key, rows); err != nil {
			return nil, fmt.Errorf("write parquet for dt=%s: %w", dt, err)
		}
		h.Log.Info("usage metrics written", zap.String("dt", dt), zap.String("key", key), zap.Int("rows", len(rows)))

		written++
		calls += len(usage)
	}

	out := map[string]any{
		"ok":        true,
		"days_back": daysBack,
		"written":   written,
		"calls":     calls,
		"bucket":    bucket,
		"prefix":    prefix,
	}

	if written > 0 && h.Athena != nil && h.Cfg.Athena.Table != "" {
		res, err := RepairPartitions(ctx, h.Athena, h.Cfg.Athena, h.Log)
		if err != nil {
			return nil, err
		}
		out["repair_query_id"] = res.QueryID
	}
	return out, nil
}

// Aggregate folds one day of usage rows into one row per (report_type, model),
// sorted by report type then model.
func Aggregate(day string, usage []store.TokenUsage) []UsageMetricsRow {
	type key struct{ reportType, model string }
	acc := map[key]*UsageMetricsRow{}
	subs := map[key]map[string]bool{}

	for _, u := range usage {
		k := key{u.ReportType, u.Model}
		r, ok := acc[k]
		if !ok {
			r = &UsageMetricsRow{MetricDate: day, ReportType: u.ReportType, Model: u.Model}
			acc[k] = r
			subs[k] = map[string]bool{}
		}
		r.Calls++
		if u.Cached {
			r.CachedCalls++
		}
		r.InputTokens += int64(u.InputTokens)
		r.OutputTokens += int64(u.OutputTokens)
		r.CostUSD += u.CostUSD
		subs[k][u.SubmissionID] = true
	}

	out := make([]UsageMetricsRow, 0, len(acc))
	for k, r := range acc {
		r.Submissions = int64(len(subs[k]))
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReportType != out[j].ReportType {
			return out[i].ReportType < out[j].ReportType
		}
		return out[i].Model < out[j].Model
	})
	return out
}

func (h *UsageMetricsETL) writeParquetToS3(ctx context.Context, bucket, key string, rows []UsageMetricsRow) error {
	data, err := encodeParquet(rows)
	if err != nil {
		return err
	}

	_, err = h.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		ACL:         s3types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("s3 putobject failed: %w", err)
	}
	return nil
}

// encodeParquet writes rows through a temp file; the Lambda filesystem only
// allows writes under /tmp.
func encodeParquet(rows []UsageMetricsRow) ([]byte, error) {
	localPath := filepath.Join(os.TempDir(), "usage_metrics_"+randHex(8)+".parquet")
	defer func() { _ = os.Remove(localPath) }()

	fw, err := local.NewLocalFileWriter(localPath)
	if err != nil {
		return nil, fmt.Errorf("parquet file writer: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(UsageMetricsRow), 1)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet writer: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.PageSize = 8 * 1024
	pw.CompressionType = 0 // uncompressed

	for _, r := range rows {
		if err := pw.Write(r); err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			return nil, fmt.Errorf("parquet write row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet write stop: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("parquet close: %w", err)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("read parquet tmp: %w", err)
	}
	return data, nil
}

func dayKey(prefix, dt string) string {
	return fmt.Sprintf("%sdt=%s/part-0000.parquet", prefix, dt)
}

func ensureTrailingSlash(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

func randHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
