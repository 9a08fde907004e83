package telegram

import (
	"fmt"
	"strings"

	"github.com/tinabots/tina/internal/scheduler"
	"github.com/tinabots/tina/internal/skills"
	"github.com/tinabots/tina/internal/task"
)

// maxTasksShown bounds the /tasks listing.
const maxTasksShown = 20

// splitMessage cuts text into chunks of at most maxLen, preferring newline
// boundaries in the second half of each chunk.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > maxLen {
		cut := strings.LastIndex(text[:maxLen], "\n")
		if cut < maxLen/2 {
			cut = maxLen
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func formatTasks(tasks []*task.Task, boundID string) string {
	if len(tasks) == 0 {
		return "No tasks."
	}
	if len(tasks) > maxTasksShown {
		tasks = tasks[:maxTasksShown]
	}
	var lines []string
	for _, t := range tasks {
		marker := ""
		if t.ID == boundID {
			marker = " *"
		}
		compressed := ""
		if t.Summary != "" {
			compressed = " (compressed)"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s  turns:%d%s%s", t.ID, t.Name, t.TurnCount, compressed, marker))
	}
	return strings.Join(lines, "\n")
}

func formatSkills(list []*skills.Skill) string {
	if len(list) == 0 {
		return "No skills loaded."
	}
	var lines []string
	for _, s := range list {
		lines = append(lines, fmt.Sprintf("%s: %s", s.Name, s.Description))
	}
	return strings.Join(lines, "\n")
}

func formatSchedules(list []*scheduler.Schedule, chatID int64) string {
	var lines []string
	for _, s := range list {
		if s.ChatID != chatID {
			continue
		}
		status := "on"
		if !s.Enabled {
			status = "off"
		}
		last := "never"
		if s.LastRun != "" {
			last = s.LastRun
			if len(last) > 16 {
				last = last[:16]
			}
		}
		lines = append(lines, fmt.Sprintf("[%s] %s\n  cron: %s  status: %s  last: %s", s.ID, s.Name, s.Cron, status, last))
	}
	if len(lines) == 0 {
		return "No schedules for this chat."
	}
	return strings.Join(lines, "\n\n")
}
