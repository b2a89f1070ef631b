package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
)

func TestInvoke_CallsRegisteredHandler(t *testing.T) {
	s := NewService(logger.NoOpLogFactory)
	s.Register("/echo", func(hctx HandlerContext, input json.RawMessage) (json.RawMessage, error) {
		require.Equal(t, "/echo", hctx.Path)
		return input, nil
	})

	out, err := s.Invoke(context.Background(), "/echo", json.RawMessage(`{"hi":true}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"hi":true}`, string(out))
}

func TestInvoke_UnknownPathIsNotFound(t *testing.T) {
	s := NewService(logger.NoOpLogFactory)
	_, err := s.Invoke(context.Background(), "/missing", nil)
	require.Error(t, err)
	require.True(t, gerror.IsNotFound(err))
}

func TestInvoke_HandlerErrorBecomesHandlerFailed(t *testing.T) {
	s := NewService(logger.NoOpLogFactory)
	s.Register("/boom", func(hctx HandlerContext, input json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("model unavailable")
	})

	_, err := s.Invoke(context.Background(), "/boom", nil)
	require.Error(t, err)
	require.True(t, gerror.IsHandlerFailed(err))
	require.Contains(t, err.Error(), "model unavailable")
}

func TestInvoke_RecoversHandlerPanic(t *testing.T) {
	s := NewService(logger.NoOpLogFactory)
	s.Register("/panic", func(hctx HandlerContext, input json.RawMessage) (json.RawMessage, error) {
		panic("nil map write")
	})

	_, err := s.Invoke(context.Background(), "/panic", nil)
	require.Error(t, err)
	require.True(t, gerror.IsHandlerFailed(err))
	require.Contains(t, err.Error(), "panicked")
}
