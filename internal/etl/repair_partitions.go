package etl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"go.uber.org/zap"

	"docreview/internal/config"
)

type AthenaClient interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
}

var (
	pollInterval  = 2 * time.Second
	repairTimeout = 60 * time.Second
)

type RepairResult struct {
	QueryID string `json:"query_id,omitempty"`
	State   string `json:"state,omitempty"`
}

// RepairPartitions runs MSCK REPAIR TABLE so new dt= partitions become
// visible to Athena, and waits for the query to finish.
func RepairPartitions(ctx context.Context, c AthenaClient, a config.Athena, log *zap.Logger) (RepairResult, error) {
	if a.Database == "" || a.Table == "" || a.Output == "" {
		return RepairResult{}, fmt.Errorf("missing env: ATHENA_DATABASE, ATHENA_TABLE, ATHENA_OUTPUT are required")
	}
	if !strings.HasPrefix(a.Output, "s3://") {
		return RepairResult{}, fmt.Errorf("ATHENA_OUTPUT must start with s3://")
	}
	workgroup := a.Workgroup
	if workgroup == "" {
		workgroup = "primary"
	}

	startOut, err := c.StartQueryExecution(ctx, &athena.StartQueryExecutionInput{
		QueryString: aws.String(fmt.Sprintf("MSCK REPAIR TABLE %s;", a.Table)),
		QueryExecutionContext: &athenatypes.QueryExecutionContext{
			Database: aws.String(a.Database),
		},
		WorkGroup: aws.String(workgroup),
		ResultConfiguration: &athenatypes.ResultConfiguration{
			OutputLocation: aws.String(a.Output),
		},
	})
	if err != nil {
		return RepairResult{}, fmt.Errorf("StartQueryExecution: %w", err)
	}

	qid := aws.ToString(startOut.QueryExecutionId)
	log = log.With(zap.String("query_id", qid), zap.String("table", a.Table))
	log.Info("repair started", zap.String("workgroup", workgroup))

	deadline := time.Now().Add(repairTimeout)
	for time.Now().Before(deadline) {
		st, err := c.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(qid),
		})
		if err != nil {
			return RepairResult{QueryID: qid}, fmt.Errorf("GetQueryExecution: %w", err)
		}

		var state athenatypes.QueryExecutionState
		var reason string
		if st.QueryExecution != nil && st.QueryExecution.Status != nil {
			state = st.QueryExecution.Status.State
			reason = aws.ToString(st.QueryExecution.Status.StateChangeReason)
		}

		switch state {
		case athenatypes.QueryExecutionStateSucceeded:
			log.Info("repair succeeded")
			return RepairResult{QueryID: qid, State: string(state)}, nil
		case athenatypes.QueryExecutionStateFailed, athenatypes.QueryExecutionStateCancelled:
			return RepairResult{QueryID: qid, State: string(state)}, fmt.Errorf("repair %s: %s", state, reason)
		}

		select {
		case <-ctx.Done():
			return RepairResult{QueryID: qid}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	return RepairResult{QueryID: qid, State: "TIMEOUT"}, fmt.Errorf("repair timed out waiting for qid=%s", qid)
}
