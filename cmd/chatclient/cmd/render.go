package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"

	"campus-chat/internal/client"
	"campus-chat/internal/models"
)

const clearScreen = "\033[H\033[2J"

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	bannerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444"))
	dateStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280")).Padding(0, 2)
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	ownStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4f46e5"))
	typingStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#6b7280"))
)

type renderer struct {
	selfID string
	now    func() time.Time
}

func newRenderer(selfID string) *renderer {
	return &renderer{selfID: selfID, now: time.Now}
}

// Render draws the whole chat; the terminal is cleared first.
func (r *renderer) Render(s client.Snapshot) string {
	names := lo.SliceToMap(s.Participants, func(u models.User) (string, string) {
		return u.ID, lo.Ternary(u.DisplayName != "", u.DisplayName, u.ID)
	})
	name := func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		return id
	}

	var b strings.Builder
	b.WriteString(clearScreen)
	others := lo.Filter(s.Participants, func(u models.User, _ int) bool { return u.ID != r.selfID })
	title := strings.Join(lo.Map(others, func(u models.User, _ int) string { return name(u.ID) }), ", ")
	b.WriteString(headerStyle.Render(fmt.Sprintf("%s  [%s]", title, s.Status)))
	b.WriteString("\n")
	if s.Banner != "" {
		b.WriteString(bannerStyle.Render(s.Banner))
		b.WriteString("\n")
	}

	for _, group := range client.GroupByDate(s.Messages, r.now(), time.Local) {
		b.WriteString(dateStyle.Render("── " + group.Label + " ──"))
		b.WriteString("\n")
		for _, run := range group.Runs {
			own := run.SenderID == r.selfID
			for i, m := range run.Messages {
				prefix := "    "
				if i == 0 && !own {
					prefix = avatar(name(run.SenderID)) + " "
				}
				line := m.Content
				if own {
					line = ownStyle.Render(line)
				}
				fmt.Fprintf(&b, "%s%s %s\n", prefix, line, timeStyle.Render(m.CreatedAt.Local().Format("15:04")))
			}
		}
	}

	if len(s.Typing) > 0 {
		typers := lo.Map(s.Typing, func(id string, _ int) string { return name(id) })
		b.WriteString(typingStyle.Render(strings.Join(typers, ", ") + " typing..."))
		b.WriteString("\n")
	}
	b.WriteString("> ")
	return b.String()
}

func avatar(name string) string {
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#ffffff")).
		Background(lipgloss.Color(client.AvatarColor(name))).
		Padding(0, 1).
		Render(client.Initials(name))
}
