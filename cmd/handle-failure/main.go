package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"docreview/internal/app"
	"docreview/internal/handlers"
)

func main() {
	ctx := context.Background()

	a, err := app.Bootstrap(ctx)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	h := &handlers.FailureHandler{
		OpenDB:   a.OpenDB(),
		Notifier: a.Notifier(a.Cfg.NotifyTopicArn),
		Log:      a.Log,
	}
	lambda.Start(h.Handle)
}
