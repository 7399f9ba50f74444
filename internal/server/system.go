package server

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// Ping echoes the request message back to the caller.
// A missing message is treated as a plain liveness probe and echoes "pong".
func (s *ControlServer) Ping(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := newFields(req)
	msg := f.str("message")
	if err := f.err(); err != nil {
		return nil, err
	}
	if msg == "" {
		msg = "pong"
	}
	s.logger.Debug("ping", zap.String("message", msg))
	return newStruct(map[string]*structpb.Value{
		"message": structpb.NewStringValue(msg),
	}), nil
}

// GetVersion returns the compiled-in version and build strings.
func (s *ControlServer) GetVersion(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return newStruct(map[string]*structpb.Value{
		"version": structpb.NewStringValue(s.version),
		"build":   structpb.NewStringValue(s.build),
	}), nil
}
