package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	typeStyles = map[domain.EventType]lipgloss.Style{
		domain.EventJobStatus:        titleStyle,
		domain.EventCyclePhase:       headerStyle,
		domain.EventTaskStatus:       runningStyle,
		domain.EventAssistantMessage: lipgloss.NewStyle().Foreground(lipgloss.Color("255")),
		domain.EventSessionCreated:   mutedStyle,
		domain.EventCompleted:        doneStyle,
		domain.EventError:            errorStyle,
	}
)

// statusStyle colours job and task statuses
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "running":
		return runningStyle
	case "completed":
		return doneStyle
	case "paused", "pending", "skipped":
		return warningStyle
	case "error", "failed":
		return errorStyle
	default:
		return mutedStyle
	}
}

func init() {
	watchCmd := &cobra.Command{
		Use:   "watch JOB",
		Short: "Follow a job's live event feed",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := newClient(apiBase(cfg), ownerID, "").events(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev domain.ExecutionEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		fmt.Println(formatEvent(ev))
	}
	if err := scanner.Err(); err != nil && cmd.Context().Err() == nil {
		return err
	}
	return nil
}

func formatEvent(ev domain.ExecutionEvent) string {
	style, ok := typeStyles[ev.Type]
	if !ok {
		style = mutedStyle
	}

	var b strings.Builder
	b.WriteString(timeStyle.Render(ev.Timestamp.Local().Format("15:04:05")))
	b.WriteString(" ")
	b.WriteString(style.Render(fmt.Sprintf("%-17s", ev.Type)))

	if ev.TaskID != "" {
		b.WriteString(" " + mutedStyle.Render(shortID(ev.TaskID)))
	}
	if ev.Status != "" {
		b.WriteString(" " + statusStyle(ev.Status).Render(ev.Status))
	}
	if ev.Stage != "" {
		b.WriteString(" " + mutedStyle.Render("["+ev.Stage+"]"))
	}
	if ev.Text != "" {
		b.WriteString(" " + truncate(ev.Text, 160))
	}
	if ev.Error != "" {
		b.WriteString(" " + errorStyle.Render(ev.Error))
	}
	if ev.CostUSD > 0 {
		b.WriteString(" " + mutedStyle.Render(fmt.Sprintf("($%.4f)", ev.CostUSD)))
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
