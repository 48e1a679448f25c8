package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/prometheus/client_golang/prometheus"

	"pastebin/internal/config"
	"pastebin/internal/httpserver"
	"pastebin/internal/id"
	"pastebin/internal/paste"
	"pastebin/internal/storage/backend"
)

var errUnknownEvent = errors.New("event is neither an API Gateway v1 nor v2 request")

func main() {
	cfg, err := config.Load("")
	if err != nil {
		os.Stderr.WriteString("invalid configuration: " + err.Error() + "\n")
		os.Exit(2)
	}
	logger := cfg.NewLogger(os.Stdout)

	// The store lives as long as the execution environment. Lambda gives no
	// shutdown hook, so the pool is never closed explicitly.
	store, err := backend.Open(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed opening data store", "error", err)
		os.Exit(1)
	}
	svc, err := paste.New(paste.Config{
		Store:           store,
		IDGenerator:     id.New(cfg.IDLength),
		MaxContentBytes: cfg.MaxContentBytes,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("failed to construct paste service", "error", err)
		os.Exit(1)
	}
	srv, err := httpserver.New(httpserver.Config{
		Service:        svc,
		TrustProxy:     true,
		BaseURL:        cfg.BaseURL,
		AllowedOrigins: []string{cfg.FrontendURL},
		TestMode:       cfg.TestMode,
		EnableMetrics:  cfg.EnableMetrics,
		Registry:       prometheus.NewRegistry(),
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to construct server", "error", err)
		os.Exit(1)
	}

	logger.Info("starting in lambda mode", "store", cfg.Store)
	lambda.Start(newHandler(srv.Handler()))
}

// newHandler serves both payload formats: v2 for HTTP APIs and function URLs,
// v1 for REST APIs and ALBs.
func newHandler(h http.Handler) func(context.Context, json.RawMessage) (any, error) {
	v1 := httpadapter.New(h)
	v2 := httpadapter.NewV2(h)
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var reqV2 events.APIGatewayV2HTTPRequest
		if err := json.Unmarshal(raw, &reqV2); err == nil && reqV2.RequestContext.HTTP.Method != "" {
			return v2.ProxyWithContext(ctx, reqV2)
		}
		var reqV1 events.APIGatewayProxyRequest
		if err := json.Unmarshal(raw, &reqV1); err == nil && reqV1.HTTPMethod != "" {
			return v1.ProxyWithContext(ctx, reqV1)
		}
		return nil, errUnknownEvent
	}
}
