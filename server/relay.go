package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"lithium/codec"
	"lithium/endpoint"
	"lithium/message"

	"go.uber.org/zap"
)

// invokeSibling relays {param, id, command} from the calling connection to the
// connection named by id, with the peerToPeer flag set. The target's error
// payload is forwarded to the caller untouched.
func (s *Server) invokeSibling(ctx context.Context, param json.RawMessage, from *endpoint.Conn) (any, error) {
	var call message.SiblingCall
	if err := codec.DecodeParam(param, &call); err != nil {
		return nil, fmt.Errorf("invokeSibling: %w", err)
	}
	if call.Command == "" {
		return nil, errors.New("invokeSibling: missing command")
	}

	result, err := s.Invoke(ctx, call.ID, call.Command, call.Param, true)
	s.metrics.RelayDone(err == nil)
	if err != nil {
		s.logger.Debug("relay failed",
			zap.String("from", from.ID()), zap.String("to", call.ID), zap.String("command", call.Command), zap.Error(err))
		var re *endpoint.RemoteError
		if errors.As(err, &re) && len(re.Payload) > 0 {
			return nil, &endpoint.FaultValue{Value: re.Payload}
		}
		return nil, err
	}
	return result, nil
}

// Broadcast calls command on every connection in the pool at the time of the
// call, concurrently, and waits for all of them to settle. The result has one
// entry per member: its reply, or nil if its call failed or it left the pool
// first. An empty pool yields an empty map.
func (s *Server) Broadcast(ctx context.Context, command string, param any) map[string]json.RawMessage {
	members := s.GetSockets()
	results := make(map[string]json.RawMessage, len(members))
	s.metrics.BroadcastIssued()
	if len(members) == 0 {
		return results
	}

	type settled struct {
		id     string
		result json.RawMessage
	}
	out := make(chan settled, len(members))
	for _, c := range members {
		go func(c *endpoint.Conn) {
			out <- settled{id: c.ID(), result: s.broadcastOne(ctx, c, command, param)}
		}(c)
	}
	for range members {
		r := <-out
		results[r.id] = r.result
	}
	return results
}

// broadcastOne ends the member's call early if the member leaves the pool,
// since a closed connection never settles its pending calls.
func (s *Server) broadcastOne(ctx context.Context, c *endpoint.Conn, command string, param any) json.RawMessage {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	result, err := c.Invoke(ctx, command, param)
	if err != nil {
		s.logger.Info("broadcast member failed",
			zap.String("socket", c.ID()), zap.String("command", command), zap.Error(err))
		return nil
	}
	return result
}
