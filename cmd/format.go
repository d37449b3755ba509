package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/truncate"

	"github.com/zjrosen/gerritwatch/internal/gerrit"
)

// Output formats for printed events.
const (
	formatJSON   = "json"
	formatPretty = "pretty"
)

const (
	// typeColumn is wide enough for every stock Gerrit event type.
	typeColumn = 22
	subjectMax = 72
)

var (
	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#8A8A8A"})
	typeStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#005FAF", Dark: "#5FAFFF"})
	projectStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#5F8700", Dark: "#87D75F"})
	changeStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AF5F00", Dark: "#FFAF5F"})
	stateStyles  = map[gerrit.State]lipgloss.Style{
		gerrit.StateDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		gerrit.StateConnecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		gerrit.StateStreaming:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	}
)

// formatEvent renders ev for output. JSON is one compact object per line;
// pretty is a one-line summary for humans.
func formatEvent(ev gerrit.Event, format string, at time.Time) (string, error) {
	switch format {
	case formatJSON, "":
		b, err := json.Marshal(ev)
		if err != nil {
			return "", fmt.Errorf("encoding event: %w", err)
		}
		return string(b), nil
	case formatPretty:
		return prettyEvent(ev, at), nil
	default:
		return "", fmt.Errorf("unknown format %q (want %q or %q)", format, formatJSON, formatPretty)
	}
}

func prettyEvent(ev gerrit.Event, at time.Time) string {
	parts := []string{
		timeStyle.Render(at.Format("15:04:05")),
		typeStyle.Render(runewidth.FillRight(orDash(ev.Type()), typeColumn)),
	}

	change, _ := ev["change"].(map[string]any)
	if change != nil {
		if p, ok := change["project"].(string); ok {
			parts = append(parts, projectStyle.Render(p))
		}
		if n := change["number"]; n != nil {
			ref := fmt.Sprintf("%v", n)
			if ps, ok := ev["patchSet"].(map[string]any); ok && ps["number"] != nil {
				ref += fmt.Sprintf(",%v", ps["number"])
			}
			parts = append(parts, changeStyle.Render(ref))
		}
		if s, ok := change["subject"].(string); ok {
			parts = append(parts, truncate.StringWithTail(s, subjectMax, "…"))
		}
	} else if ru, ok := ev["refUpdate"].(map[string]any); ok {
		if p, ok := ru["project"].(string); ok {
			parts = append(parts, projectStyle.Render(p))
		}
		if r, ok := ru["refName"].(string); ok {
			parts = append(parts, r)
		}
	}

	if who := actor(ev); who != "" {
		parts = append(parts, "by "+who)
	}
	return strings.Join(parts, " ")
}

// actor names whoever caused the event, if the event says.
func actor(ev gerrit.Event) string {
	for _, key := range []string{"author", "uploader", "submitter", "abandoner", "restorer", "changer"} {
		acct, ok := ev[key].(map[string]any)
		if !ok {
			continue
		}
		for _, field := range []string{"username", "name", "email"} {
			if s, ok := acct[field].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatState renders a watcher transition for the pretty output.
func formatState(sc gerrit.StateChange, at time.Time) string {
	style, ok := stateStyles[sc.To]
	if !ok {
		style = lipgloss.NewStyle()
	}
	line := fmt.Sprintf("%s %s", timeStyle.Render(at.Format("15:04:05")), style.Render("● "+sc.To.String()))
	if sc.Err != nil {
		line += " " + timeStyle.Render(sc.Err.Error())
	}
	return line
}
