package endpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"lithium/codec"
	"lithium/message"

	"go.uber.org/zap"
)

// Invoke calls command on the peer and waits for the reply. It returns the
// reply's raw param on "return" and a *RemoteError on "error".
//
// There is no built-in deadline. A call whose envelope never reaches the peer,
// or that the peer never answers, waits until ctx ends; closing the connection
// does not fail it. When ctx ends first the pending entry is dropped and
// ctx.Err() returned.
func (c *Conn) Invoke(ctx context.Context, command string, param any) (json.RawMessage, error) {
	return c.invoke(ctx, command, param, false)
}

// InvokePeerToPeer is Invoke with the peerToPeer flag set. Servers use it to
// relay a call from one connection to another; the receiver only serves it
// if the command was implemented with ImplementSibling.
func (c *Conn) InvokePeerToPeer(ctx context.Context, command string, param any) (json.RawMessage, error) {
	return c.invoke(ctx, command, param, true)
}

// Call is Invoke followed by decoding the result into reply (which may be nil).
func (c *Conn) Call(ctx context.Context, command string, param any, reply any) error {
	raw, err := c.Invoke(ctx, command, param)
	if err != nil {
		return err
	}
	return codec.DecodeParam(raw, reply)
}

// InvokeSibling asks the peer (a server) to relay command to the connection
// identified by target. The target must have implemented command with
// ImplementSibling and allow peer-to-peer.
func (c *Conn) InvokeSibling(ctx context.Context, target string, command string, param any) (json.RawMessage, error) {
	raw, err := codec.EncodeParam(param)
	if err != nil {
		return nil, fmt.Errorf("endpoint: encode param for %s: %w", command, err)
	}
	return c.Invoke(ctx, message.CommandInvokeSibling, message.SiblingCall{
		Param:   raw,
		ID:      target,
		Command: command,
	})
}

// CallSibling is InvokeSibling followed by decoding the result into reply.
func (c *Conn) CallSibling(ctx context.Context, target string, command string, param any, reply any) error {
	raw, err := c.InvokeSibling(ctx, target, command, param)
	if err != nil {
		return err
	}
	return codec.DecodeParam(raw, reply)
}

func (c *Conn) invoke(ctx context.Context, command string, param any, peerToPeer bool) (json.RawMessage, error) {
	if message.IsReserved(command) {
		return nil, ErrReservedCommand
	}
	raw, err := codec.EncodeParam(param)
	if err != nil {
		return nil, fmt.Errorf("endpoint: encode param for %s: %w", command, err)
	}

	replies := make(chan *message.Envelope, 1)
	id := c.pending.Register(func(reply *message.Envelope) {
		replies <- reply
	})

	env := &message.Envelope{
		ID:         id,
		Timestamp:  message.Now(),
		Command:    command,
		Param:      raw,
		PeerToPeer: peerToPeer,
	}
	if err := c.send(env); err != nil {
		c.logger.Warn("cannot send call, it will not settle",
			zap.String("socket", c.ID()), zap.String("id", id), zap.String("command", command), zap.Error(err))
	}

	select {
	case reply := <-replies:
		if reply.Kind() == message.KindReturn {
			return reply.Param, nil
		}
		return nil, &RemoteError{Command: command, Payload: reply.Param, text: reply.FaultText()}
	case <-ctx.Done():
		c.pending.Cancel(id)
		return nil, ctx.Err()
	}
}
