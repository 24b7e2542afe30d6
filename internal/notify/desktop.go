package notify

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
)

// Desktop shows notifications on the machine running the orchestrator
type Desktop struct {
	enabled bool
	command func(ctx context.Context, name string, args ...string) error
}

// NewDesktop creates a desktop notifier
func NewDesktop(enabled bool) *Desktop {
	return &Desktop{
		enabled: enabled,
		command: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

// Send shows n via osascript on macOS or notify-send on Linux
func (d *Desktop) Send(ctx context.Context, n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args, ok := desktopCommand(runtime.GOOS, n)
	if !ok {
		return nil
	}
	return d.command(ctx, name, args...)
}

func desktopCommand(goos string, n Notification) (string, []string, bool) {
	switch goos {
	case "darwin":
		script := `display notification "` + appleQuote(n.Message) + `" with title "` + appleQuote(n.Title) + `"`
		return "osascript", []string{"-e", script}, true
	case "linux":
		return "notify-send", []string{"--icon", IconFor(n.Level), n.Title, n.Message}, true
	default:
		return "", nil, false
	}
}

func appleQuote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// IconFor returns a freedesktop icon name for a level
func IconFor(l Level) string {
	switch l {
	case LevelSuccess:
		return "dialog-positive"
	case LevelWarning:
		return "dialog-warning"
	case LevelError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
