package generation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/generation"
	"github.com/parlorhq/parlor/internal/testutil"
)

func TestGenerateReturnsModelText(t *testing.T) {
	g := testutil.NewGenkit(t)
	mock := testutil.NewMockModel("fallback answer")
	mock.AddResponse("capital of france", "Paris.")
	mock.Register(g)

	m := generation.NewModel(g, time.Minute, 0)

	res, err := m.Generate(context.Background(), generation.Request{
		Model:    "mock/test-model",
		System:   "You are concise.",
		UserText: "What is the capital of France?",
	})
	require.NoError(t, err)
	require.Equal(t, "Paris.", res.Text)
	require.GreaterOrEqual(t, res.LatencyMs, int64(0))

	calls := mock.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "You are concise.", calls[0].System)
}

func TestGenerateIncludesHistory(t *testing.T) {
	g := testutil.NewGenkit(t)
	mock := testutil.NewMockModel("ok")
	mock.Register(g)

	m := generation.NewModel(g, time.Minute, 0)

	_, err := m.Generate(context.Background(), generation.Request{
		Model: "mock/test-model",
		History: []generation.Turn{
			{Role: "user", Content: "first question"},
			{Role: "assistant", Content: "first answer"},
		},
		UserText: "follow-up",
	})
	require.NoError(t, err)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "follow-up", calls[0].UserMessage, "the last user message must be the current turn")
}

func TestGeneratePropagatesProviderError(t *testing.T) {
	g := testutil.NewGenkit(t)
	mock := testutil.NewMockModel("unused")
	mock.SetError(errors.New("HTTP 429: Too Many Requests"))
	mock.Register(g)

	m := generation.NewModel(g, time.Minute, 0)

	_, err := m.Generate(context.Background(), generation.Request{
		Model:    "mock/test-model",
		UserText: "hello",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}

func TestGenerateTimesOut(t *testing.T) {
	g := testutil.NewGenkit(t)
	genkit.DefineModel(g, "mock/slow-model", &ai.ModelOptions{
		Supports: &ai.ModelSupports{Multiturn: true, SystemRole: true},
	}, func(ctx context.Context, req *ai.ModelRequest, _ ai.ModelStreamCallback) (*ai.ModelResponse, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &ai.ModelResponse{
				Request: req,
				Message: &ai.Message{Role: ai.RoleModel, Content: []*ai.Part{ai.NewTextPart("late")}},
			}, nil
		}
	})

	m := generation.NewModel(g, 50*time.Millisecond, 0)

	_, err := m.Generate(context.Background(), generation.Request{
		Model:    "mock/slow-model",
		UserText: "hello",
	})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
