package recall

import (
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/koschei/pkg/types"
)

// Metadata keys written alongside stored records. Values are always strings;
// timestamps are unix milliseconds and nearby players a comma-separated list.
const (
	KeyGameID        = "game_id"
	KeyRoundID       = "round_id"
	KeyPlayerID      = "player_id"
	KeyPlayerName    = "player_name"
	KeyLocation      = "location"
	KeyNearbyPlayers = "nearby_players"
	KeyTimestamp     = "timestamp"
	KeyMemoryType    = "memory_type"
	KeyEventType     = "event_type"
)

// EncodeUtterance returns the metadata stored with a player message. Empty
// optional fields are omitted.
func EncodeUtterance(u types.Utterance) map[string]string {
	md := map[string]string{
		KeyRoundID:  u.RoundID,
		KeyPlayerID: u.SpeakerID,
	}
	setIf(md, KeyGameID, u.GameID)
	setIf(md, KeyPlayerName, u.SpeakerName)
	setIf(md, KeyLocation, u.Location)
	setIf(md, KeyNearbyPlayers, strings.Join(u.NearbySpeakers, ","))
	if !u.Timestamp.IsZero() {
		md[KeyTimestamp] = strconv.FormatInt(u.Timestamp.UnixMilli(), 10)
	}
	return md
}

// DecodeUtterance is the inverse of [EncodeUtterance] for text and metadata
// read back from the store.
func DecodeUtterance(text string, md map[string]string) types.Utterance {
	u := types.Utterance{
		GameID:         md[KeyGameID],
		Text:           text,
		SpeakerID:      md[KeyPlayerID],
		SpeakerName:    md[KeyPlayerName],
		RoundID:        md[KeyRoundID],
		Location:       md[KeyLocation],
		NearbySpeakers: types.SplitCSV(md[KeyNearbyPlayers]),
	}
	if ms, err := strconv.ParseInt(md[KeyTimestamp], 10, 64); err == nil {
		u.Timestamp = time.UnixMilli(ms)
	}
	return u
}

// EncodeEvent returns the metadata stored with a game event.
func EncodeEvent(e types.GameEvent) map[string]string {
	md := map[string]string{KeyRoundID: e.RoundID}
	setIf(md, KeyEventType, e.EventType)
	setIf(md, KeyLocation, e.Location)
	return md
}

// EncodeNPCMemory returns the metadata stored with an NPC memory entry.
func EncodeNPCMemory(m types.NPCMemoryEntry) map[string]string {
	mt := m.MemoryType
	if mt == "" {
		mt = types.MemorySaid
	}
	return map[string]string{
		KeyMemoryType: string(mt),
		KeyRoundID:    m.RoundID,
	}
}

// RoundFilter returns the metadata filter selecting a single round.
func RoundFilter(roundID string) map[string]string {
	return map[string]string{KeyRoundID: roundID}
}

func setIf(md map[string]string, key, value string) {
	if value != "" {
		md[key] = value
	}
}
