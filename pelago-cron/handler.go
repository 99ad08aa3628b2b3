// Package pelagocron provides utilities for building scheduled Lambda functions.
package pelagocron

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"

	pelagocli "github.com/pelago/pelago-ws/pelago-cli"
)

type RunCallback func(ctx context.Context) error

type Handler struct {
	service pelagocli.Service
	logger  zerolog.Logger

	runOnce RunCallback
}

func NewHandler(
	service pelagocli.Service,
	runOnce RunCallback,
) *Handler {
	return &Handler{
		service: service,
		logger:  pelagocli.Logger(service),
		runOnce: runOnce,
	}
}

func (h *Handler) RunOnce(ctx context.Context, _ json.RawMessage) error {
	h.logger.Info().Msg("running scheduled task")
	return h.runOnce(ctx)
}

func (h *Handler) Start() error {
	switch {
	case pelagocli.CommonOpts.Console:
		return h.runOnce(context.Background())

	default:
		lambda.Start(h.RunOnce)
	}
	return nil
}
