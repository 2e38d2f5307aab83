package endpoint

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"lithium/codec"
	"lithium/message"

	gjson "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// handleMessage runs on the receive goroutine, once per inbound payload.
// Nothing it does may panic or block on a handler.
func (c *Conn) handleMessage(data []byte) {
	var env message.Envelope
	if err := c.codec.Decode(data, &env); err != nil {
		c.logger.Warn("dropping malformed message",
			zap.String("socket", c.ID()), zap.Int("bytes", len(data)), zap.Error(err))
		return
	}

	switch env.Kind() {
	case message.KindID:
		c.adoptID(&env)
	case message.KindReturn, message.KindError:
		if !c.pending.Resolve(env.ID, &env) {
			c.logger.Warn("reply matches no pending call",
				zap.String("socket", c.ID()), zap.String("id", env.ID), zap.String("command", env.Command))
		}
	case message.KindCall:
		go c.serveCall(&env)
	}
}

func (c *Conn) adoptID(env *message.Envelope) {
	var id string
	if err := codec.DecodeParam(env.Param, &id); err != nil || id == "" {
		c.logger.Warn("ignoring malformed identity handshake", zap.ByteString("param", env.Param))
		return
	}

	c.mu.Lock()
	if c.id == "" {
		c.id = id
	}
	c.mu.Unlock()
	c.logger.Debug("received identity", zap.String("socket", id))

	if c.onID != nil {
		c.idOnce.Do(func() { c.onID(c) })
	}
}

// serveCall runs the middleware chain for one inbound call and sends the reply.
func (c *Conn) serveCall(call *message.Envelope) {
	reply := c.serve(c.ctx, call)
	if err := c.send(reply); err != nil {
		c.logger.Warn("cannot send reply",
			zap.String("socket", c.ID()), zap.String("id", call.ID), zap.String("command", call.Command), zap.Error(err))
	}
}

// dispatchCall is the innermost middleware.HandlerFunc: registry lookup,
// peer-to-peer check, handler invocation.
func (c *Conn) dispatchCall(ctx context.Context, call *message.Envelope) *message.Envelope {
	entry, ok := c.commands.Lookup(call.Command)
	if !ok {
		c.logger.Info("command not found", zap.String("socket", c.ID()), zap.String("command", call.Command))
		return message.ErrorReply(call, fmt.Sprintf("command does not exist: %s", call.Command))
	}

	if call.PeerToPeer && (!entry.AllowPeerToPeer || !c.allowPeerToPeer) {
		c.logger.Info("refused peer-to-peer call", zap.String("socket", c.ID()), zap.String("command", call.Command))
		return message.ErrorReply(call, fmt.Sprintf(
			"peer-to-peer invocation refused: the sibling does not allow peer-to-peer for command %s", call.Command))
	}

	result, err := c.runHandler(ctx, entry.Handler, call)
	if err != nil {
		return message.Reply(call, message.KindError, c.faultParam(call, err))
	}
	param, err := codec.EncodeParam(result)
	if err != nil {
		return message.ErrorReply(call, fmt.Sprintf("cannot encode result: %v", err))
	}
	return message.Reply(call, message.KindReturn, param)
}

// runHandler invokes h, turning a panic into an error.
func (c *Conn) runHandler(ctx context.Context, h Handler, call *message.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				zap.String("command", call.Command), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			result, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, call.Param, c)
}

// faultParam encodes a handler failure: a FaultValue as its raw value,
// anything else as {"error": err.Error()}.
func (c *Conn) faultParam(call *message.Envelope, err error) []byte {
	c.logger.Debug("handler failed", zap.String("command", call.Command), zap.Error(err))

	var fv *FaultValue
	if errors.As(err, &fv) {
		if param, merr := codec.EncodeParam(fv.Value); merr == nil && param != nil {
			return param
		}
	}
	param, _ := gjson.Marshal(message.Fault{Error: err.Error()})
	return param
}
