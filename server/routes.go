package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
)

type route struct {
	handle HandlerFunc
	task   TaskFunc
	schema *jsonschema.Schema
}

// RouteOption configures one registered method.
type RouteOption func(*route) error

// WithSchema validates params against a JSON Schema before the handler
// runs. Missing params validate as an empty object.
func WithSchema(schema string) RouteOption {
	return func(rt *route) error {
		compiled, err := jsonschema.CompileString("params.json", schema)
		if err != nil {
			return fmt.Errorf("invalid params schema: %w", err)
		}
		rt.schema = compiled
		return nil
	}
}

func (rt *route) validate(msg *protocol.Message) error {
	if rt.schema == nil {
		return nil
	}
	var params any = map[string]any{}
	if len(msg.Params) > 0 {
		dec := json.NewDecoder(bytes.NewReader(msg.Params))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			return protocol.InvalidParams("invalid params for %s: %v", msg.Method, err)
		}
	}
	if err := rt.schema.Validate(params); err != nil {
		return protocol.NewRequestError(protocol.CodeInvalidParams,
			fmt.Sprintf("params for %s do not match schema", msg.Method), err.Error())
	}
	return nil
}

func reserved(method string) bool {
	switch method {
	case protocol.MethodInitialize, protocol.MethodPing,
		protocol.MethodTasksGet, protocol.MethodTasksList, protocol.MethodTasksCancel:
		return true
	}
	return false
}

// Handle routes method to h.
func (s *Server) Handle(method string, h HandlerFunc, opts ...RouteOption) error {
	if h == nil {
		return fmt.Errorf("handler for %q is nil", method)
	}
	return s.register(method, &route{handle: h}, opts)
}

// HandleTask routes method to fn, run as a task. The request is answered
// immediately with {"task": {...}}.
func (s *Server) HandleTask(method string, fn TaskFunc, opts ...RouteOption) error {
	if fn == nil {
		return fmt.Errorf("task handler for %q is nil", method)
	}
	return s.register(method, &route{task: fn}, opts)
}

func (s *Server) register(method string, rt *route, opts []RouteOption) error {
	if method == "" {
		return fmt.Errorf("method name is empty")
	}
	if reserved(method) {
		return fmt.Errorf("method %q is served by the connection or server", method)
	}
	for _, opt := range opts {
		if err := opt(rt); err != nil {
			return fmt.Errorf("route %q: %w", method, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.routes[method]; dup {
		return fmt.Errorf("method %q is already registered", method)
	}
	s.routes[method] = rt
	s.logger.Debug("registered method", "method", method, "task", rt.task != nil, "schema", rt.schema != nil)
	return nil
}

// OnNotification routes notifications named method to fn, replacing any
// earlier registration.
func (s *Server) OnNotification(method string, fn NotificationFunc) {
	s.mu.Lock()
	s.notes[method] = fn
	s.mu.Unlock()
}

// Methods returns the routed method names, sorted.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.routes))
}
