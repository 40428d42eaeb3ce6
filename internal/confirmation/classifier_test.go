package confirmation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/confirmline/call-confirmation-pipeline/internal/domain"
)

func TestClassifyIntent(t *testing.T) {
	cases := []struct {
		utterance string
		want      domain.Intent
	}{
		{"yes that's correct", domain.IntentConfirm},
		{"Yep, sounds good", domain.IntentConfirm},
		{"okay", domain.IntentConfirm},
		{"I'd like to change the quantity", domain.IntentChange},
		{"no, that address is wrong", domain.IntentChange},
		{"actually make it two instead", domain.IntentChange},
		{"please cancel the order", domain.IntentCancel},
		{"I don't want it anymore", domain.IntentCancel},
		{"never mind, forget it", domain.IntentCancel},
		{"hmm", domain.IntentUnclear},
		{"", domain.IntentUnclear},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyIntent(tc.utterance), "utterance %q", tc.utterance)
	}
}

func TestClassifyIntentCancelBeatsConfirm(t *testing.T) {
	// Mixed signals resolve to the most destructive intent so the call
	// never accidentally confirms a cancellation.
	assert.Equal(t, domain.IntentCancel, ClassifyIntent("yes wait no, cancel it"))
	assert.Equal(t, domain.IntentChange, ClassifyIntent("yes but change the address"))
}

func TestParseIntentPrefersProviderLabel(t *testing.T) {
	assert.Equal(t, domain.IntentConfirm, ParseIntent("confirm", "whatever"))
	assert.Equal(t, domain.IntentChange, ParseIntent("DENY", "yes"))
	assert.Equal(t, domain.IntentCancel, ParseIntent("Cancel", ""))
	assert.Equal(t, domain.IntentUnclear, ParseIntent("UNCLEAR", "yes"))
}

func TestParseIntentFallsBackToKeywords(t *testing.T) {
	assert.Equal(t, domain.IntentConfirm, ParseIntent("", "yes please"))
	assert.Equal(t, domain.IntentCancel, ParseIntent("bogus-label", "cancel everything"))
	assert.Equal(t, domain.IntentUnclear, ParseIntent("", "static noise"))
}
