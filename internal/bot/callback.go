package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// Callback actions carried in inline button data
const (
	actionAnswer    = "ans"
	actionDay       = "day"
	actionVoiceHelp = "voice"
	actionPay       = "pay"
	actionProgress  = "progress"
)

// Day sub-actions
const (
	dayOpen  = "open"
	dayIntro = "intro"
	dayVideo = "video"
	dayBrief = "brief"
	dayStart = "start"
)

// callback is parsed button data
type callback struct {
	action string
	sub    string
	day    int
	task   int
	step   int
	option string
}

// answerData encodes a choice or dialog answer button:
// ans:<day>:<task>:<step>:<option>
func answerData(day, task, step int, option string) string {
	return fmt.Sprintf("%s:%d:%d:%d:%s", actionAnswer, day, task, step, option)
}

// dayData encodes a day navigation button, e.g. day:intro:3 or day:open
func dayData(sub string, day int) string {
	if day <= 0 {
		return actionDay + ":" + sub
	}
	return fmt.Sprintf("%s:%s:%d", actionDay, sub, day)
}

func voiceHelpData(day, task int) string {
	return fmt.Sprintf("%s:help:%d:%d", actionVoiceHelp, day, task)
}

// parseCallback decodes button data. Unknown or malformed data yields an
// error; the button is answered with a generic notice.
func parseCallback(data string) (callback, error) {
	parts := strings.Split(data, ":")
	cb := callback{action: parts[0]}

	switch cb.action {
	case actionAnswer:
		if len(parts) != 5 || parts[4] == "" {
			return cb, fmt.Errorf("malformed answer data %q", data)
		}
		nums, err := atois(parts[1:4])
		if err != nil {
			return cb, fmt.Errorf("answer data %q: %w", data, err)
		}
		cb.day, cb.task, cb.step, cb.option = nums[0], nums[1], nums[2], parts[4]

	case actionDay:
		if len(parts) < 2 {
			return cb, fmt.Errorf("malformed day data %q", data)
		}
		cb.sub = parts[1]
		switch cb.sub {
		case dayOpen:
			if len(parts) != 2 {
				return cb, fmt.Errorf("malformed day data %q", data)
			}
		case dayIntro, dayVideo, dayBrief, dayStart:
			if len(parts) != 3 {
				return cb, fmt.Errorf("malformed day data %q", data)
			}
			n, err := strconv.Atoi(parts[2])
			if err != nil || n <= 0 {
				return cb, fmt.Errorf("malformed day number in %q", data)
			}
			cb.day = n
		default:
			return cb, fmt.Errorf("unknown day action %q", cb.sub)
		}

	case actionVoiceHelp:
		if len(parts) != 4 {
			return cb, fmt.Errorf("malformed voice data %q", data)
		}
		nums, err := atois(parts[2:4])
		if err != nil {
			return cb, fmt.Errorf("voice data %q: %w", data, err)
		}
		cb.sub, cb.day, cb.task = parts[1], nums[0], nums[1]

	case actionPay, actionProgress:
		if len(parts) != 1 {
			return cb, fmt.Errorf("malformed %s data %q", cb.action, data)
		}

	default:
		return cb, fmt.Errorf("unknown callback action %q", cb.action)
	}
	return cb, nil
}

func atois(in []string) ([]int, error) {
	out := make([]int, len(in))
	for i, s := range in {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid number %q", s)
		}
		out[i] = n
	}
	return out, nil
}
