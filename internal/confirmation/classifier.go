package confirmation

import (
	"strings"

	"github.com/confirmline/call-confirmation-pipeline/internal/domain"
)

// Deterministic keyword classifier used when the provider/model supplies no
// intent (or intent classification failed upstream). Cancellation words win
// over everything; change words over confirmation words, so "no wait,
// actually cancel it" cancels.
var (
	cancelWords = []string{
		"cancel", "don't want", "do not want", "nevermind", "never mind",
		"refund", "stop the order", "forget it",
	}
	changeWords = []string{
		"change", "instead", "actually", "different", "update", "modify",
		"wrong", "not quite", "no,", "incorrect", "remove", "add ",
	}
	confirmWords = []string{
		"yes", "yeah", "yep", "correct", "right", "sure", "confirm",
		"sounds good", "that's it", "ok", "okay", "perfect",
	}
)

// ClassifyIntent maps a customer utterance to an intent. Unrecognized
// input is UNCLEAR, which re-prompts the current step rather than failing
// the call.
func ClassifyIntent(utterance string) domain.Intent {
	text := strings.ToLower(strings.TrimSpace(utterance))
	if text == "" {
		return domain.IntentUnclear
	}
	for _, w := range cancelWords {
		if strings.Contains(text, w) {
			return domain.IntentCancel
		}
	}
	for _, w := range changeWords {
		if strings.Contains(text, w) {
			return domain.IntentChange
		}
	}
	for _, w := range confirmWords {
		if strings.Contains(text, w) {
			return domain.IntentConfirm
		}
	}
	return domain.IntentUnclear
}

// ParseIntent normalizes a provider-supplied intent label, falling back to
// the keyword classifier when the label is unusable.
func ParseIntent(label, utterance string) domain.Intent {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "CONFIRM":
		return domain.IntentConfirm
	case "CHANGE", "DENY":
		return domain.IntentChange
	case "CANCEL":
		return domain.IntentCancel
	case "UNCLEAR":
		return domain.IntentUnclear
	}
	return ClassifyIntent(utterance)
}
