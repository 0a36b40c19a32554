package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/koschei/internal/observe"
	"github.com/MrWong99/koschei/internal/orchestrator"
)

// handleChatStream upgrades to a WebSocket and answers every text frame
// holding a reply request with one frame: a reply object or an error object.
// Frames are processed one at a time in arrival order. A malformed frame is
// answered with an invalid_request error and the stream stays open.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.corsOrigins),
	})
	if err != nil {
		// Accept has already written the HTTP error.
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBodyBytes)

	ctx := r.Context()
	log := observe.Logger(ctx)
	s.metrics.ActiveStreams.Add(ctx, 1)
	defer s.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)
	log.Debug("chat stream opened", "client", clientIP(r))

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug("chat stream closed by client")
			default:
				if ctx.Err() == nil {
					log.Warn("chat stream read failed", "err", err)
				}
			}
			return
		}
		if typ != websocket.MessageText {
			if err := s.writeFrame(ctx, conn, fmt.Errorf("%w: binary frames are not supported", orchestrator.ErrInvalidInput)); err != nil {
				return
			}
			continue
		}

		var req replyRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if err := s.writeFrame(ctx, conn, fmt.Errorf("%w: malformed JSON: %w", orchestrator.ErrInvalidInput, err)); err != nil {
				return
			}
			continue
		}

		reply, err := s.pipeline.GenerateReply(ctx, req.toDomain())
		if err != nil {
			if werr := s.writeFrame(ctx, conn, err); werr != nil {
				return
			}
			continue
		}
		if err := wsjson.Write(ctx, conn, newReplyResponse(reply)); err != nil {
			log.Warn("chat stream write failed", "err", err)
			return
		}
	}
}

// writeFrame sends err as an error object.
func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, err error) error {
	_, body := errorBody(err)
	if body.Error == orchestrator.KindInternal || errors.Is(err, orchestrator.ErrGenerationUnavailable) {
		observe.Logger(ctx).Error("chat stream request failed", "kind", body.Error, "err", err)
	}
	if werr := wsjson.Write(ctx, conn, body); werr != nil {
		observe.Logger(ctx).Warn("chat stream write failed", "err", werr)
		return werr
	}
	return nil
}

// originPatterns converts CORS origins such as "https://game.example:8443"
// into the host patterns the WebSocket handshake checks.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
