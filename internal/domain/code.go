package domain

import "strings"

// CodePlaceholder marks a code position that has not been earned yet.
const CodePlaceholder = "_"

// FormatCode renders a collected liberation code with placeholders for the
// remaining days, e.g. "L I _ _ _ _ _ _ _ _".
func FormatCode(collected string, total int) string {
	letters := []rune(collected)
	parts := make([]string, 0, total)
	for i := 0; i < total; i++ {
		if i < len(letters) {
			parts = append(parts, string(letters[i]))
			continue
		}
		parts = append(parts, CodePlaceholder)
	}
	return strings.Join(parts, " ")
}

// Accuracy returns the share of correct answers among counted attempts as a
// percentage.
func Accuracy(correct, attempts int) float64 {
	if attempts <= 0 {
		return 0
	}
	pct := float64(correct) / float64(attempts) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
