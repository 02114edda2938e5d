package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/italolelis/image_toolkit/internal/logctx"
	"github.com/stretchr/testify/assert"
)

func TestBaseContextSurvivesShutdownSignal(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	ctx, cancel := context.WithCancel(logctx.WithLogger(context.Background(), logger))
	base := baseContext(ctx)(nil)

	cancel()

	assert.NoError(t, base.Err())
	assert.Same(t, logger, logctx.LoggerFromContext(base))
}
