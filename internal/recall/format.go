package recall

import (
	"fmt"
	"strconv"
	"time"

	"github.com/MrWong99/koschei/pkg/memory"
)

// Formatter renders stored records as single-line memory snippets:
//
//	[HH:MM:SS] <speaker> at <location> (near <nearby>): <text>
//
// The speaker falls back from player name to player id to "?", the location
// to "?", nearby players to "nobody" and the time to "unknown". The zero value
// renders times in UTC and omits nothing.
type Formatter struct {
	// OmitNearby drops the "(near …)" segment.
	OmitNearby bool

	// Location is the time zone used for the clock time. Nil means UTC.
	Location *time.Location
}

// Format renders rec.
func (f Formatter) Format(rec memory.Record) string {
	md := rec.Metadata

	clock := "unknown"
	if ms, err := strconv.ParseInt(md[KeyTimestamp], 10, 64); err == nil {
		loc := f.Location
		if loc == nil {
			loc = time.UTC
		}
		clock = time.UnixMilli(ms).In(loc).Format(time.TimeOnly)
	}

	who := firstNonEmpty(md[KeyPlayerName], md[KeyPlayerID], "?")
	where := firstNonEmpty(md[KeyLocation], "?")

	if f.OmitNearby {
		return fmt.Sprintf("[%s] %s at %s: %s", clock, who, where, rec.Text)
	}
	near := firstNonEmpty(md[KeyNearbyPlayers], "nobody")
	return fmt.Sprintf("[%s] %s at %s (near %s): %s", clock, who, where, near, rec.Text)
}

// FormatLine renders rec in UTC, with or without the nearby-players segment.
func FormatLine(rec memory.Record, includeNearby bool) string {
	return Formatter{OmitNearby: !includeNearby}.Format(rec)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
