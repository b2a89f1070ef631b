// Package agent is the agent router: it resolves an agent step's `agent`
// path to an in-process handler and invokes it synchronously. Same
// handler-registry shape as worker.Service.Register, simplified since an
// agent call never pauses and never goes through the dispatcher.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
)

// HandlerContext is what an agent handler body receives.
type HandlerContext struct {
	Context context.Context
	Path    string
	Log     logger.Log
}

// HandlerFunc is a registered agent's executable body.
type HandlerFunc func(hctx HandlerContext, input json.RawMessage) (json.RawMessage, error)

type Service struct {
	handlers map[string]HandlerFunc
	log      logger.Log
}

func NewService(logFactory logger.LogFactory) *Service {
	return &Service{handlers: make(map[string]HandlerFunc), log: logFactory("agent_service")}
}

// Register associates an agent path with its handler body, analogous to
// worker.Service.Register but for in-process callees.
func (s *Service) Register(path string, handler HandlerFunc) {
	s.handlers[path] = handler
}

// Invoke calls the named agent synchronously, recovering a handler panic
// into a HandlerFailed error the same way the worker runtime does for
// out-of-process handlers.
func (s *Service) Invoke(ctx context.Context, path string, input json.RawMessage) (output json.RawMessage, err error) {
	handler, ok := s.handlers[path]
	if !ok {
		return nil, gerror.NewErrNotFound(fmt.Sprintf("no agent registered at path %q", path))
	}
	hctx := HandlerContext{Context: ctx, Path: path, Log: s.log}
	defer func() {
		if r := recover(); r != nil {
			err = gerror.NewErrHandlerFailed(fmt.Sprintf("agent %q panicked: %v", path, r), nil)
		}
	}()
	out, herr := handler(hctx, input)
	if herr != nil {
		return nil, gerror.NewErrHandlerFailed(herr.Error(), herr)
	}
	return out, nil
}
