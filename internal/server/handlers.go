package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/koschei/internal/observe"
	"github.com/MrWong99/koschei/internal/orchestrator"
	"github.com/MrWong99/koschei/pkg/types"
)

// ── Wire types ───────────────────────────────────────────────────────────────

type replyRequest struct {
	PlayerText      string   `json:"player_text"`
	RoundID         string   `json:"round_id"`
	ImitatePlayerID string   `json:"imitate_player_id"`
	RecentMsgs      []string `json:"recent_msgs"`
}

func (r replyRequest) toDomain() types.ReplyRequest {
	return types.ReplyRequest{
		PlayerText:       r.PlayerText,
		RoundID:          r.RoundID,
		ImitateSpeakerID: r.ImitatePlayerID,
		RecentMessages:   r.RecentMsgs,
	}
}

type replyResponse struct {
	Text     string `json:"text"`
	RoundID  string `json:"round_id"`
	MemoryID string `json:"memory_id"`
}

func newReplyResponse(r types.Reply) replyResponse {
	return replyResponse{Text: r.Text, RoundID: r.RoundID, MemoryID: r.MemoryID}
}

// chatRequest mirrors the game client's chat payload. NearbyPlayers is a
// comma-separated list of player IDs; Timestamp is unix milliseconds.
type chatRequest struct {
	GameID        string `json:"game_id"`
	RoundID       string `json:"round_id"`
	PlayerID      string `json:"player_id"`
	PlayerName    string `json:"player_name"`
	Text          string `json:"text"`
	NearbyPlayers string `json:"nearby_players"`
	Location      string `json:"location"`
	Timestamp     int64  `json:"timestamp"`
}

func (c chatRequest) toDomain() types.Utterance {
	u := types.Utterance{
		GameID:         c.GameID,
		Text:           c.Text,
		SpeakerID:      c.PlayerID,
		SpeakerName:    c.PlayerName,
		RoundID:        c.RoundID,
		Location:       c.Location,
		NearbySpeakers: types.SplitCSV(c.NearbyPlayers),
	}
	if c.Timestamp > 0 {
		u.Timestamp = time.UnixMilli(c.Timestamp)
	}
	return u
}

type eventRequest struct {
	RoundID   string `json:"round_id"`
	EventType string `json:"event_type"`
	Location  string `json:"location"`
	Text      string `json:"text"`
}

func (e eventRequest) toDomain() types.GameEvent {
	return types.GameEvent{Text: e.Text, EventType: e.EventType, RoundID: e.RoundID, Location: e.Location}
}

type idResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	reply, err := s.pipeline.GenerateReply(r.Context(), req.toDomain())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReplyResponse(reply))
}

func (s *Server) handleIngestChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := s.pipeline.IngestUtterance(r.Context(), req.toDomain())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: id})
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := s.pipeline.IngestEvent(r.Context(), req.toDomain())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: id})
}

// ── Encoding ─────────────────────────────────────────────────────────────────

// decodeJSON reads a single JSON object from the request body. Unknown fields
// are ignored so older and newer game clients keep working. Decoding failures
// are reported as invalid input.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return fmt.Errorf("%w: body exceeds %d bytes", orchestrator.ErrInvalidInput, tooLarge.Limit)
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: empty body", orchestrator.ErrInvalidInput)
		default:
			return fmt.Errorf("%w: malformed JSON: %w", orchestrator.ErrInvalidInput, err)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an orchestrator failure kind to an HTTP status code.
func statusFor(kind string) int {
	switch kind {
	case orchestrator.KindInvalidRequest:
		return http.StatusBadRequest
	case orchestrator.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case orchestrator.KindGenerationUnavailable:
		return http.StatusBadGateway
	case orchestrator.KindGenerationTimeout:
		return http.StatusGatewayTimeout
	case orchestrator.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorBody classifies err for clients. Internal errors carry a generic
// message so implementation details stay in the logs.
func errorBody(err error) (int, errorResponse) {
	kind := orchestrator.Kind(err)
	status := statusFor(kind)
	msg := err.Error()
	if kind == orchestrator.KindInternal || kind == orchestrator.KindSchemaConflict {
		msg = http.StatusText(status)
	}
	return status, errorResponse{Error: kind, Message: msg}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorBody(err)
	log := observe.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "path", r.URL.Path, "kind", body.Error, "err", err)
	} else {
		log.Warn("request rejected", "path", r.URL.Path, "kind", body.Error, "err", err)
	}
	writeJSON(w, status, body)
}
