package models

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Chat represents a direct conversation. Participants are kept sorted so the
// same pair always yields the same PairKey.
type Chat struct {
	ID             string         `db:"id" json:"chatId"`
	PairKey        string         `db:"pair_key" json:"-"`
	Participants   pq.StringArray `db:"participants" json:"participants"`
	CreatedAt      time.Time      `db:"created_at" json:"createdAt"`
	LastActivityAt time.Time      `db:"last_activity_at" json:"lastActivityAt"`
}

// HasParticipant reports whether userID belongs to the chat.
func (c Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// SortedParticipants returns a sorted, de-duplicated copy of ids.
func SortedParticipants(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ParticipantKey builds the canonical key for a participant set. Each id is
// length-prefixed ("5#alice:3#bob") so ids containing the separator cannot
// make two different sets share a key.
func ParticipantKey(ids ...string) string {
	var b strings.Builder
	for i, id := range SortedParticipants(ids...) {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(strconv.Itoa(len(id)))
		b.WriteByte('#')
		b.WriteString(id)
	}
	return b.String()
}
