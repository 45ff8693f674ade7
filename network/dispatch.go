package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/samber/lo"

	"github.com/MetinSerinkaya27/NextGen-Chat/relay"
	"github.com/MetinSerinkaya27/NextGen-Chat/storage"
)

var errUnknownMethod = errors.New("unknown method")

// serve answers the requests of one authenticated session in arrival order, which keeps
// per-pair persistence order identical to the order the sender issued its sends.
func (s *Server) serve(conn *Connection, identity string) {
	for {
		payload, err := conn.ReceiveMessage(s.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.log.Debug("Session ended", "identity", identity, "error", err)
			}
			return
		}

		var request RequestMessage
		if err := json.Unmarshal(payload, &request); err != nil || request.Type != TypeRequest {
			s.log.Debug("Ignoring non-request frame", "identity", identity)
			continue
		}

		response := s.dispatch(identity, request)
		if err := conn.SendMessage(response); err != nil {
			s.log.Debug("Write response failed", "identity", identity, "request_id", request.RequestID, "error", err)
			return
		}
	}
}

func (s *Server) dispatch(identity string, request RequestMessage) ResponseMessage {
	result, err := s.call(identity, request)
	response := ResponseMessage{Type: TypeResponse, RequestID: request.RequestID}
	if err != nil {
		response.ErrorCode = relay.ErrorCode(err)
		if errors.Is(err, errUnknownMethod) {
			response.ErrorCode = relay.CodeInvalidRequest
		}
		if response.ErrorCode == relay.CodeInternal || response.ErrorCode == relay.CodePersistenceFailure {
			s.log.Error("Request failed", "identity", identity, "method", request.Method, "error", err)
			response.Error = "request failed"
		} else {
			response.Error = err.Error()
		}
		return response
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		s.log.Error("Marshal response failed", "method", request.Method, "error", err)
		response.ErrorCode = relay.CodeInternal
		response.Error = "request failed"
		return response
	}
	response.OK = true
	response.Payload = encoded
	return response
}

func (s *Server) call(identity string, request RequestMessage) (any, error) {
	ctx := s.ctx
	r := s.backend.Relay

	switch request.Method {
	case MethodSendMessage:
		var params relay.SendRequest
		if err := decodeParams(request.Params, &params); err != nil {
			return nil, err
		}
		return r.SendMessage(ctx, identity, params)
	case MethodTyping:
		var params TypingParams
		if err := decodeParams(request.Params, &params); err != nil {
			return nil, err
		}
		r.NotifyTyping(ctx, identity, params.To)
		return struct{}{}, nil
	case MethodMarkRead:
		var params MarkReadParams
		if err := decodeParams(request.Params, &params); err != nil {
			return nil, err
		}
		changed, err := r.MarkRead(ctx, identity, params.Counterpart)
		if err != nil {
			return nil, err
		}
		return MarkReadResult{Changed: changed}, nil
	case MethodGetHistory:
		var params HistoryParams
		if err := decodeParams(request.Params, &params); err != nil {
			return nil, err
		}
		return r.History(ctx, identity, params.With)
	case MethodSync:
		var params SyncParams
		if err := decodeParams(request.Params, &params); err != nil {
			return nil, err
		}
		return r.Sync(ctx, identity, params.AfterSeq, params.Limit)
	case MethodGetPublicKey:
		var params PublicKeyParams
		if err := decodeParams(request.Params, &params); err != nil {
			return nil, err
		}
		return r.PublicKey(ctx, params.Identity)
	case MethodListIdentities:
		return r.Identities(ctx)
	case MethodOnline:
		return r.Online(), nil
	case MethodSecurityEvents:
		var params SecurityEventsParams
		if err := decodeParams(request.Params, &params); err != nil {
			return nil, err
		}
		return s.securityEvents(ctx, identity, params.Limit)
	default:
		return nil, fmt.Errorf("%w %q", errUnknownMethod, request.Method)
	}
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: params are required", relay.ErrInvalidRequest)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", relay.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Server) securityEvents(ctx context.Context, identity string, limit int) ([]SecurityEventView, error) {
	if s.backend.Audit == nil {
		return []SecurityEventView{}, nil
	}
	events, err := s.backend.Audit.IdentitySecurityEvents(ctx, identity, limit)
	if err != nil {
		return nil, err
	}
	return lo.Map(events, func(event storage.SecurityEvent, _ int) SecurityEventView {
		return SecurityEventView{
			EventType: event.EventType,
			Severity:  event.Severity,
			Details:   json.RawMessage(event.Details),
			Timestamp: event.Timestamp,
		}
	}), nil
}
