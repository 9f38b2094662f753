package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"docreview/internal/app"
	"docreview/internal/etl"
)

func main() {
	ctx := context.Background()

	a, err := app.Bootstrap(ctx)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	h := &etl.UsageMetricsETL{
		OpenDB: a.OpenDB(),
		S3:     s3.NewFromConfig(a.AWS),
		Athena: athena.NewFromConfig(a.AWS),
		Cfg:    a.Cfg,
		Log:    a.Log,
	}
	lambda.Start(h.Handle)
}
