package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"docreview/internal/app"
	"docreview/internal/pipeline"
)

func main() {
	ctx := context.Background()

	a, err := app.Bootstrap(ctx)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	r, err := a.Runner(pipeline.Clarification)
	if err != nil {
		log.Fatalf("build runner: %v", err)
	}

	lambda.Start(r.Handle)
}
