package client

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"campus-chat/internal/models"
)

// Run is a stretch of consecutive messages from one sender; the avatar is
// drawn once per run.
type Run struct {
	SenderID string
	Messages []models.Message
}

// DateGroup holds one calendar day of messages.
type DateGroup struct {
	Label string
	Day   time.Time
	Runs  []Run
}

// GroupByDate buckets sorted messages by calendar day in loc. Days are
// labelled Today, Yesterday or "Jan 2, 2006" relative to now.
func GroupByDate(messages []models.Message, now time.Time, loc *time.Location) []DateGroup {
	if loc == nil {
		loc = time.Local
	}
	today := startOfDay(now.In(loc))
	yesterday := today.AddDate(0, 0, -1)

	var groups []DateGroup
	for _, msg := range messages {
		day := startOfDay(msg.CreatedAt.In(loc))
		if len(groups) == 0 || !groups[len(groups)-1].Day.Equal(day) {
			groups = append(groups, DateGroup{Label: dayLabel(day, today, yesterday), Day: day})
		}
		g := &groups[len(groups)-1]
		if n := len(g.Runs); n > 0 && g.Runs[n-1].SenderID == msg.SenderID {
			g.Runs[n-1].Messages = append(g.Runs[n-1].Messages, msg)
			continue
		}
		g.Runs = append(g.Runs, Run{SenderID: msg.SenderID, Messages: []models.Message{msg}})
	}
	return groups
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func dayLabel(day, today, yesterday time.Time) string {
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(yesterday):
		return "Yesterday"
	default:
		return day.Format("Jan 2, 2006")
	}
}

// Initials returns the uppercased first letter of name, or "?".
func Initials(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "?"
	}
	r, _ := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r))
}

const defaultAvatarColor = "#6366f1"

var avatarPalette = []string{
	"#4f46e5", "#0ea5e9", "#06b6d4", "#10b981",
	"#84cc16", "#eab308", "#f59e0b", "#ef4444",
	"#8b5cf6", "#d946ef", "#ec4899", "#f43f5e",
}

// AvatarColor picks a stable palette colour for name.
func AvatarColor(name string) string {
	if name == "" {
		return defaultAvatarColor
	}
	sum := 0
	for _, r := range name {
		sum += int(r)
	}
	return avatarPalette[sum%len(avatarPalette)]
}
