package bot

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/progress"
	"github.com/felixgeelhaar/escape/internal/transport"
)

const (
	textWelcome = "🔓 Welcome to The Language Escape, %s.\n\n" +
		"You wake up in a simulation that steals words. In %d days you will learn " +
		"to speak your way out and collect the liberation code %s.\n\n" +
		"Get access to start day 1."
	textWelcomeBack = "⚡ Welcome back, %s!\n\n" +
		"Day %d of %d.\nLiberation code: %s\n\n" +
		"Ready to continue your escape?"
	textNoAccess      = "🔒 You do not have access yet. Use /pay to unlock the course."
	textAlreadyPaid   = "✅ You already have access. Use /day to continue."
	textPay           = "💳 Unlock all %d days of The Language Escape.\n\nAccess opens right after payment."
	textPayNoProvider = "💳 Payments are not open yet. Please check back soon."
	textAccessGranted = "🎉 Payment received, %s! Your escape starts now.\n\nDay 1 is open."
	textDayLocked     = "🔒 That day is still locked. Finish the previous day first."
	textDayDone       = "✅ Day %d is complete.\nLiberation code: %s\n\nThe next day opens tomorrow."
	textCourseDone    = "🏆 You escaped! Liberation code: %s"
	textNoVoiceTask   = "🎤 There is no voice task waiting right now. Use /day to see your current task."
	textVoiceTooShort = "🎤 That recording is too short. Say the whole phrase and try again."
	textVoiceTooLong  = "🎤 Please keep your recording under %d seconds."
	textVoiceDown     = "🎤 Voice checking is unavailable at the moment. Please try again later."
	textUseButtons    = "Use the buttons or /day to continue your escape."
	textStaleButton   = "This button is outdated."
	textFinishCurrent = "Finish your current task first."
	textAlreadyDone   = "Already done ✅"
	textSomethingOff  = "⚠️ Something went wrong. Please try again in a moment."
	textVoiceHelp     = "Press and hold the microphone, say the phrase clearly, then release to send."
	textHelpLocked    = "📚 The Language Escape\n\n" +
		"A %d-day English course in the form of a quest.\n\n" +
		"/pay - get access\n/help - this message"
	textHelp = "📚 How it works\n\n" +
		"Every day has a video, a brief and a few tasks. Finish all tasks to earn " +
		"a letter of the liberation code; the next day opens the following day.\n\n" +
		"/day - current day\n/progress - your progress\n/code - liberation code\n/help - this message"
)

var (
	textCorrect = []string{
		"✅ Correct!",
		"✅ Exactly right!",
		"✅ Well done!",
	}
	textIncorrect = map[domain.FailureReason]string{
		domain.ReasonWrongOption:         "❌ Not quite. Try again!",
		domain.ReasonPhraseNotFound:      "❌ I could not hear the phrase \"%s\". Try again!",
		domain.ReasonNameNotExtracted:    "❌ I heard the phrase but not your name. Say the phrase and then your name.",
		domain.ReasonTranscriptionFailed: "🎤 I could not make out your recording. Speak a little slower and try again.",
	}
)

func welcomeMessage(name string, days int, code string, payButton transport.Button) transport.OutgoingMessage {
	return transport.Text(fmt.Sprintf(textWelcome, name, days, code)).WithButtons(
		transport.Row(payButton),
	)
}

func welcomeBackMessage(name string, o *progress.Overview) transport.OutgoingMessage {
	day := o.CurrentDay
	if day == 0 {
		day = 1
	}
	return transport.Text(fmt.Sprintf(textWelcomeBack, name, day, o.TotalDays, o.CodeDisplay)).WithButtons(
		transport.Row(transport.Button{Text: "▶️ Continue", Data: dayData(dayOpen, 0)}),
		transport.Row(transport.Button{Text: "📊 Progress", Data: actionProgress}),
	)
}

func accessGrantedMessage(name string) transport.OutgoingMessage {
	return transport.Text(fmt.Sprintf(textAccessGranted, name)).WithButtons(
		transport.Row(transport.Button{Text: "🚪 Start day 1", Data: dayData(dayIntro, 1)}),
	)
}

func dayIntroMessage(name string, day *domain.CourseDay, total int, p *domain.UserCourseProgress) transport.OutgoingMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "📅 Day %d/%d: %s\n\n", day.Number, total, day.Title)
	b.WriteString(strings.TrimSpace(day.RenderDescription(name)))
	fmt.Fprintf(&b, "\n\n%d tasks are waiting for you.", len(day.Tasks))

	var rows [][]transport.Button
	var materials []transport.Button
	if day.VideoRef != "" {
		materials = append(materials, transport.Button{Text: checkmark(p.VideoWatched) + "🎬 Video", Data: dayData(dayVideo, day.Number)})
	}
	if day.BriefRef != "" {
		materials = append(materials, transport.Button{Text: checkmark(p.BriefRead) + "📄 Brief", Data: dayData(dayBrief, day.Number)})
	}
	if len(materials) > 0 {
		rows = append(rows, materials)
	}
	start := "▶️ Start tasks"
	if p.State() == domain.DayInProgress {
		start = "▶️ Continue tasks"
	}
	rows = append(rows, transport.Row(transport.Button{Text: start, Data: dayData(dayStart, day.Number)}))

	return transport.Text(b.String()).WithButtons(rows...)
}

func checkmark(done bool) string {
	if done {
		return "✅ "
	}
	return ""
}

func materialMessage(day *domain.CourseDay, kind transport.AttachmentKind, ref string) transport.OutgoingMessage {
	return transport.OutgoingMessage{
		Text:       fmt.Sprintf("Day %d: %s", day.Number, day.Title),
		Attachment: &transport.Attachment{Kind: kind, Ref: ref},
	}
}

// taskMessage renders a task, or for dialog tasks the given step.
func taskMessage(task *domain.TaskDefinition, total, step int) transport.OutgoingMessage {
	header := fmt.Sprintf("Task %d/%d: %s", task.Number, total, task.Title)

	switch p := task.Payload.(type) {
	case domain.ChoicePayload:
		return transport.Text("📝 " + header + "\n\n" + task.Prompt).WithButtons(
			optionRows(task, 0, p.Options)...,
		)

	case domain.DialogPayload:
		if step >= len(p.Steps) {
			step = len(p.Steps) - 1
		}
		s := p.Steps[step]
		text := fmt.Sprintf("💬 %s\n\n", header)
		if step == 0 && task.Prompt != "" {
			text += task.Prompt + "\n\n"
		}
		text += fmt.Sprintf("(%d/%d) %s", step+1, len(p.Steps), s.Prompt)
		return transport.Text(text).WithButtons(optionRows(task, step, s.Options)...)

	case domain.VoicePayload:
		text := fmt.Sprintf("🎤 %s\n\n%s\n\nSay: \"%s\"", header, task.Prompt, p.Phrase)
		if p.CaptureName {
			text += " + your name"
		}
		return transport.Text(text).WithButtons(
			transport.Row(transport.Button{Text: "❓ How to record", Data: voiceHelpData(task.Day, task.Number)}),
		)
	}
	return transport.Text(header + "\n\n" + task.Prompt)
}

func optionRows(task *domain.TaskDefinition, step int, options []domain.Option) [][]transport.Button {
	rows := make([][]transport.Button, 0, len(options))
	for _, o := range options {
		rows = append(rows, transport.Row(transport.Button{
			Text: o.ID + ") " + o.Label,
			Data: answerData(task.Day, task.Number, step, o.ID),
		}))
	}
	return rows
}

func correctMessage(attempt int, name string) transport.OutgoingMessage {
	text := textCorrect[attempt%len(textCorrect)]
	if name != "" {
		text += fmt.Sprintf(" Nice to meet you, %s.", name)
	}
	return transport.Text(text)
}

func incorrectMessage(task *domain.TaskDefinition, v domain.Verdict, attempts int) transport.OutgoingMessage {
	format, ok := textIncorrect[v.Reason]
	if !ok {
		format = textIncorrect[domain.ReasonWrongOption]
	}

	text := format
	if v.Reason == domain.ReasonPhraseNotFound {
		if p, ok := task.Payload.(domain.VoicePayload); ok {
			text = fmt.Sprintf(format, p.Phrase)
		}
	}
	if hint := hintFor(task, attempts); hint != "" {
		text += "\n\n💡 " + hint
	}
	return transport.Text(text)
}

// hintFor cycles through the task's hints, one per failed attempt.
func hintFor(task *domain.TaskDefinition, attempts int) string {
	var hints []string
	switch p := task.Payload.(type) {
	case domain.ChoicePayload:
		hints = p.Hints
	case domain.VoicePayload:
		hints = p.Hints
	}
	if len(hints) == 0 || attempts <= 0 {
		return ""
	}
	return hints[(attempts-1)%len(hints)]
}

func dayCompleteMessage(day *domain.CourseDay, code string, last bool) transport.OutgoingMessage {
	text := fmt.Sprintf("🎉 Day %d complete!\n\n🔑 Code fragment unlocked: %s\n📊 Liberation code: %s",
		day.Number, day.CodeLetter, code)
	if !last {
		text += "\n\n✨ Day " + fmt.Sprint(day.Number+1) + " opens tomorrow."
	}
	return transport.Text(text)
}

func courseCompleteMessage(cert *domain.Certificate) transport.OutgoingMessage {
	return transport.Text(fmt.Sprintf(
		"🏆 Liberation code collected: %s\n\nYou escaped the simulation, %s!\n"+
			"Accuracy: %.0f%%\n\n⏳ Your certificate is on its way.",
		cert.LiberationCode, cert.Name, cert.Accuracy,
	))
}

func certificateMessage(cert *domain.Certificate) transport.OutgoingMessage {
	return transport.OutgoingMessage{
		Text:       fmt.Sprintf("🏆 Certificate of escape for %s", cert.Name),
		Attachment: &transport.Attachment{Kind: transport.AttachDocument, Ref: cert.ArtifactRef},
	}
}

func progressMessage(o *progress.Overview) transport.OutgoingMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Progress of %s\n\n", o.User.Name())
	fmt.Fprintf(&b, "Days completed: %d/%d\n", o.CompletedDays, o.TotalDays)
	if o.CurrentDay > 0 {
		fmt.Fprintf(&b, "Current day: %d (%s)\n", o.CurrentDay, stateLabel(o.CurrentState))
	}
	fmt.Fprintf(&b, "Liberation code: %s\n", o.CodeDisplay)
	if o.Attempts > 0 {
		fmt.Fprintf(&b, "Accuracy: %.0f%% (%d/%d)\n", o.Accuracy, o.Correct, o.Attempts)
	}
	return transport.Text(b.String()).WithButtons(
		transport.Row(transport.Button{Text: "▶️ Continue", Data: dayData(dayOpen, 0)}),
	)
}

func stateLabel(s domain.DayState) string {
	switch s {
	case domain.DayComplete:
		return "complete"
	case domain.DayInProgress:
		return "in progress"
	case domain.DayNotStarted:
		return "not started"
	default:
		return "locked"
	}
}

func codeMessage(display string, collected, total int) transport.OutgoingMessage {
	return transport.Text(fmt.Sprintf("🔑 Liberation code: %s\n\n%d of %d letters collected.", display, collected, total))
}
