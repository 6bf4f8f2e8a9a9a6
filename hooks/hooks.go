// Package hooks defines observer callbacks injected at fixed points of a
// connection's life: state changes, inbound messages before dispatch, and
// outbound messages before they reach the transport.
package hooks

import (
	"context"
	"sync"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
)

// HookContext identifies where a hook fires.
type HookContext struct {
	Ctx          context.Context
	ConnectionID string
	Method       string      // empty for responses
	MessageID    protocol.ID // zero for notifications
}

// NewHookContext fills a HookContext from msg.
func NewHookContext(ctx context.Context, connID string, msg *protocol.Message) HookContext {
	return HookContext{Ctx: ctx, ConnectionID: connID, Method: msg.Method, MessageID: msg.IDValue()}
}

// OnStateChangeHook runs after every lifecycle transition. States are
// passed by name.
type OnStateChangeHook func(connID string, from, to string)

// BeforeHandleMessageHook runs for each inbound request or notification
// before dispatch. A non-nil error stops processing; for a request it is
// sent back as the error response.
type BeforeHandleMessageHook func(hookCtx HookContext, msg *protocol.Message) error

// BeforeSendHook runs before an outbound message is written. A non-nil
// error prevents the send and is returned to the sender.
type BeforeSendHook func(hookCtx HookContext, msg *protocol.Message) error

// OnCloseHook runs once the connection is Closed; err is the failure that
// closed it, or nil for a graceful close.
type OnCloseHook func(connID string, err error)

// Registry holds hooks in registration order.
type Registry struct {
	mu           sync.RWMutex
	stateChange  []OnStateChangeHook
	beforeHandle []BeforeHandleMessageHook
	beforeSend   []BeforeSendHook
	onClose      []OnCloseHook
}

// OnStateChange registers h.
func (r *Registry) OnStateChange(h OnStateChangeHook) {
	r.mu.Lock()
	r.stateChange = append(r.stateChange, h)
	r.mu.Unlock()
}

// BeforeHandleMessage registers h.
func (r *Registry) BeforeHandleMessage(h BeforeHandleMessageHook) {
	r.mu.Lock()
	r.beforeHandle = append(r.beforeHandle, h)
	r.mu.Unlock()
}

// BeforeSend registers h.
func (r *Registry) BeforeSend(h BeforeSendHook) {
	r.mu.Lock()
	r.beforeSend = append(r.beforeSend, h)
	r.mu.Unlock()
}

// OnClose registers h.
func (r *Registry) OnClose(h OnCloseHook) {
	r.mu.Lock()
	r.onClose = append(r.onClose, h)
	r.mu.Unlock()
}

// RunStateChange calls every state-change hook.
func (r *Registry) RunStateChange(connID, from, to string) {
	if r == nil {
		return
	}
	r.mu.RLock()
	hs := r.stateChange
	r.mu.RUnlock()
	for _, h := range hs {
		h(connID, from, to)
	}
}

// RunBeforeHandle calls the inbound hooks and stops at the first error.
func (r *Registry) RunBeforeHandle(hookCtx HookContext, msg *protocol.Message) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	hs := r.beforeHandle
	r.mu.RUnlock()
	for _, h := range hs {
		if err := h(hookCtx, msg); err != nil {
			return err
		}
	}
	return nil
}

// RunBeforeSend calls the outbound hooks and stops at the first error.
func (r *Registry) RunBeforeSend(hookCtx HookContext, msg *protocol.Message) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	hs := r.beforeSend
	r.mu.RUnlock()
	for _, h := range hs {
		if err := h(hookCtx, msg); err != nil {
			return err
		}
	}
	return nil
}

// RunClose calls every close hook.
func (r *Registry) RunClose(connID string, err error) {
	if r == nil {
		return
	}
	r.mu.RLock()
	hs := r.onClose
	r.mu.RUnlock()
	for _, h := range hs {
		h(connID, err)
	}
}
