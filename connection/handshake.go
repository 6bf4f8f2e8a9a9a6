package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
)

// Initialize runs the client side of the handshake: it sends initialize,
// validates the reply and moves the connection to Ready. A reply naming a
// version this side does not know falls back to the latest supported one.
//
// Only one handshake may run; a concurrent call gets ErrHandshakeInProgress.
// A failed handshake closes the connection.
func (c *Connection) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	if c.role != RoleClient {
		return nil, protocol.InvalidState("initialize is issued by the client")
	}
	c.mu.Lock()
	if c.handshaking {
		c.mu.Unlock()
		return nil, ErrHandshakeInProgress
	}
	if c.state != Connected {
		state := c.state
		c.mu.Unlock()
		return nil, protocol.InvalidState("cannot initialize a connection in state %s", state)
	}
	c.handshaking = true
	from, _ := c.transitionLocked(Initializing)
	c.mu.Unlock()
	c.stateChanged(from, Initializing)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.handshakeTimeout)
		defer cancel()
	}

	params := protocol.InitializeParams{
		ProtocolVersion: c.requestedVersion,
		Capabilities:    c.caps,
		ClientInfo:      c.info,
		Meta:            c.initMeta,
	}
	call, err := c.submit(ctx, protocol.MethodInitialize, params)
	if err != nil {
		return nil, c.handshakeFailed(err)
	}
	resp, err := call.Wait(ctx)
	if err != nil {
		return nil, c.handshakeFailed(err)
	}
	var result protocol.InitializeResult
	if err := resp.BindResult(&result); err != nil {
		var payload *protocol.ErrorPayload
		if errors.As(err, &payload) && payload.Code == protocol.CodeAuthenticationFailed {
			err = &AuthError{Err: err}
		}
		return nil, c.handshakeFailed(err)
	}

	version, recognized := protocol.Negotiate(result.ProtocolVersion)
	if !recognized {
		c.logger.Warn("server returned an unsupported protocol version, continuing with latest",
			"requested", result.ProtocolVersion, "using", version)
	}
	result.ProtocolVersion = version

	// Confirm before Ready so no queued call can overtake the notification.
	n, _ := protocol.NewNotification(protocol.MethodInitialized, nil)
	if err := c.send(ctx, n); err != nil {
		return nil, c.handshakeFailed(err)
	}

	c.mu.Lock()
	c.version = version
	c.peerInfo = result.ServerInfo
	c.peerCaps = result.Capabilities
	c.handshaking = false
	from, err = c.transitionLocked(Ready)
	c.mu.Unlock()
	if err != nil {
		// Closed underneath us.
		return nil, err
	}
	c.stateChanged(from, Ready)
	c.logger.Info("connection ready", "version", version, "server", result.ServerInfo.Name)
	return &result, nil
}

func (c *Connection) handshakeFailed(err error) error {
	err = fmt.Errorf("handshake failed: %w", err)
	c.fail(err)
	return err
}

// serveInitialize answers a client's initialize request.
func (c *Connection) serveInitialize(ctx context.Context, req *protocol.Message) {
	id := *req.ID

	var params protocol.InitializeParams
	if err := req.BindParams(&params); err != nil {
		c.respondError(ctx, id, protocol.AsErrorPayload(err))
		return
	}

	c.mu.Lock()
	if c.handshaking || c.state != Connected {
		state := c.state
		c.mu.Unlock()
		c.respondError(ctx, id, protocol.NewRequestError(protocol.CodeInvalidRequest,
			fmt.Sprintf("initialize not allowed in state %s", state), nil))
		return
	}
	c.handshaking = true
	from, _ := c.transitionLocked(Initializing)
	c.mu.Unlock()
	c.stateChanged(from, Initializing)

	var identity any
	if c.authenticate != nil {
		var err error
		if identity, err = c.authenticate(ctx, &params); err != nil {
			c.respondError(ctx, id, protocol.NewRequestError(protocol.CodeAuthenticationFailed, err.Error(), nil))
			c.fail(&AuthError{Err: err})
			return
		}
	}

	version, recognized := protocol.Negotiate(params.ProtocolVersion)
	if !recognized {
		c.logger.Warn("client requested an unsupported protocol version, offering latest",
			"requested", params.ProtocolVersion, "using", version)
	}

	c.mu.Lock()
	c.version = version
	c.peerInfo = params.ClientInfo
	c.peerCaps = params.Capabilities
	c.identity = identity
	c.mu.Unlock()

	resp, err := protocol.NewResult(id, protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    c.caps,
		ServerInfo:      c.info,
		Instructions:    c.instructions,
	})
	if err != nil {
		c.respondError(ctx, id, protocol.InternalError(err))
		c.fail(err)
		return
	}
	c.respond(ctx, resp)
}

// completeServerHandshake moves a server connection to Ready once the client
// confirms with notifications/initialized.
func (c *Connection) completeServerHandshake() {
	c.mu.Lock()
	if !c.handshaking || c.state != Initializing {
		c.mu.Unlock()
		c.logger.Debug("ignoring unexpected initialized notification")
		return
	}
	c.handshaking = false
	from, err := c.transitionLocked(Ready)
	version, peer := c.version, c.peerInfo.Name
	c.mu.Unlock()
	if err != nil {
		return
	}
	c.stateChanged(from, Ready)
	c.logger.Info("connection ready", "version", version, "client", peer)
}
