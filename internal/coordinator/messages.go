package coordinator

import (
	"fmt"

	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/transport"
)

// reminderTexts escalate with every reminder sent. Placeholders: name,
// completed days, total days, code display.
var reminderTexts = []string{
	"🔔 %s, the guards are getting suspicious.\n\n" +
		"You have escaped %d of %d days so far.\n" +
		"Liberation code: %s\n\n" +
		"Come back and keep going!",
	"⏰ %s, your escape plan is stalling!\n\n" +
		"Progress: %d/%d days.\n" +
		"Code: %s\n\n" +
		"Every lesson brings you closer to freedom.",
	"🚨 Last call, %s!\n\n" +
		"You are %d/%d days into your escape.\n" +
		"Code: %s\n\n" +
		"Don't let the door close on you. Continue today!",
}

func reminderMessage(count int, o reminderView) transport.OutgoingMessage {
	idx := count
	if idx >= len(reminderTexts) {
		idx = len(reminderTexts) - 1
	}
	text := fmt.Sprintf(reminderTexts[idx], o.name, o.completed, o.total, o.code)
	return transport.Text(text).WithButtons(
		transport.Row(transport.Button{Text: "▶️ Continue", Data: "day:open"}),
	)
}

func unlockMessage(name string, day *domain.CourseDay, code string) transport.OutgoingMessage {
	text := fmt.Sprintf("🔓 %s, day %d is open: %s\n\nLiberation code: %s",
		name, day.Number, day.Title, code)
	return transport.Text(text).WithButtons(
		transport.Row(transport.Button{Text: fmt.Sprintf("🚪 Start day %d", day.Number), Data: fmt.Sprintf("day:intro:%d", day.Number)}),
	)
}

type reminderView struct {
	name      string
	completed int
	total     int
	code      string
}
