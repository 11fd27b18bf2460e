package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerStampsCycleID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithCycleID(context.Background(), "cycle-42")
	logger.InfoContext(ctx, "block range processed")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "cycle-42", record["cycle_id"])
}

func TestHandlerWithoutCycleID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	logger.Info("startup")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	_, ok := record["cycle_id"]
	assert.False(t, ok)
}

func TestGenerateCycleIDUnique(t *testing.T) {
	assert.NotEqual(t, GenerateCycleID(), GenerateCycleID())
}
