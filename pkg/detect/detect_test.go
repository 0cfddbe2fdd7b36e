package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// adversarialCorpus holds messages that carry a recognizable phone number or
// email in some obfuscation form. Every one of them must block.
var adversarialCorpus = []string{
	"call me at 555-123-4567",
	"My number is 555.123.4567",
	"(555) 123-4567 anytime after five",
	"reach me on +1 555 123 4567",
	"call me at five-five-five, one-two-three, four-five-six-seven",
	"five five five one two three four five six seven",
	"text 5 5 5 1 2 3 4 5 6 7",
	"my email is john.doe@example.com",
	"john.doe @ example . com",
	"john [at] example [dot] com",
	"write to john at example dot com",
	"it's john at gmail dot com",
	"call 555*123*4567 tonight",
}

var negativeCorpus = []string{
	"Thanks for the update on the kitchen remodel timeline.",
	"We should finalize the tile selection this week.",
	"Budget looks fine, let's proceed with demolition.",
	"I reviewed the scope document and it covers everything.",
	"Can you add crown molding to the estimate?",
	"Permit approval usually takes two weeks in this county.",
}

func TestEvaluateBlocksAdversarialCorpus(t *testing.T) {
	d := New(Defaults())
	for _, msg := range adversarialCorpus {
		res := d.Evaluate(msg, "contractor-1")
		assert.GreaterOrEqual(t, res.Composite, 0.6, "must block: %q", msg)
		assert.Equal(t, VerdictBlocked, res.Verdict, "must block: %q", msg)
		assert.NotEmpty(t, res.Fragments, "must carry evidence: %q", msg)
	}
}

func TestEvaluateCleanCorpus(t *testing.T) {
	d := New(Defaults())
	for _, msg := range negativeCorpus {
		res := d.Evaluate(msg, "contractor-2")
		assert.Less(t, res.Composite, 0.3, "must stay clean: %q", msg)
		assert.Equal(t, VerdictClean, res.Verdict, "must stay clean: %q", msg)
	}
}

func TestEvaluateSpelledOutFlagsPatternAndObfuscation(t *testing.T) {
	d := New(Defaults())
	res := d.Evaluate("call me at five-five-five, one-two-three, four-five-six-seven", "u1")

	require.Equal(t, VerdictBlocked, res.Verdict)
	assert.GreaterOrEqual(t, res.Composite, 0.6)
	assert.Greater(t, res.LayerScores[LayerPattern], 0.0)
	assert.Equal(t, 1.0, res.LayerScores[LayerObfuscation])
}

func TestEvaluateIntentOnlyIsSuspicious(t *testing.T) {
	d := New(Defaults())
	res := d.Evaluate("we could take this offline if that works for you", "u2")

	assert.Equal(t, VerdictSuspicious, res.Verdict)
	assert.GreaterOrEqual(t, res.Composite, 0.3)
	assert.Less(t, res.Composite, 0.6)
}

func TestEvaluateIdentifierAloneStillBlocks(t *testing.T) {
	// No intent phrasing at all; the forcing bonus must still push a bare
	// identifier past the block threshold.
	d := New(Defaults())
	res := d.Evaluate("invoices go through billing@acmecontracting.com", "u3")

	assert.Equal(t, VerdictBlocked, res.Verdict)
	assert.GreaterOrEqual(t, res.Composite, 0.6)
}

func TestContextLayerRatchetsRepeatOffenders(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	d := New(Defaults()).WithClock(func() time.Time { return now })

	first := d.Evaluate("we could take this offline", "repeat-offender")
	require.Equal(t, VerdictSuspicious, first.Verdict)
	assert.Zero(t, first.LayerScores[LayerContext])

	second := d.Evaluate("we could take this offline", "repeat-offender")
	assert.Greater(t, second.LayerScores[LayerContext], 0.0)
	assert.Greater(t, second.Composite, first.Composite)

	// Outside the window the history is forgotten.
	now = now.Add(2 * time.Hour)
	later := d.Evaluate("we could take this offline", "repeat-offender")
	assert.Zero(t, later.LayerScores[LayerContext])
}

func TestContextHistoryIsPerSender(t *testing.T) {
	d := New(Defaults())
	d.Evaluate("we could take this offline", "sender-a")
	res := d.Evaluate("we could take this offline", "sender-b")
	assert.Zero(t, res.LayerScores[LayerContext])
}

func TestEvaluateRecoversFromPanicFailClosed(t *testing.T) {
	d := New(Defaults())
	d.patterns = nil // force a nil dereference inside evaluation

	res := d.Evaluate("anything at all", "u4")
	assert.Equal(t, VerdictBlocked, res.Verdict)
	assert.Equal(t, 1.0, res.Composite)
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"five-five-five, one-two-three":  "555123",
		"Call FIVE five FIVE":            "call 555",
		"5 5 5 - 1 2 3 4":                "5551234",
		"plain remodel talk":             "plain remodel talk",
		"5​5​5-1234":                     "5551234",
		"digits 1, 2 and 3 stay grouped": "digits 12 and 3 stay grouped",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestSanitizeReplacesSpans(t *testing.T) {
	text := "call me at 555-123-4567 or john@example.com"
	res := New(Defaults()).Evaluate(text, "u5")
	require.Equal(t, VerdictBlocked, res.Verdict)

	sanitized := Sanitize(text, res.Fragments)
	assert.NotContains(t, sanitized, "555-123-4567")
	assert.NotContains(t, sanitized, "john@example.com")
	assert.Contains(t, sanitized, "BLOCKED")
}

func TestSanitizeNormalizedOnlyHitRedactsWhole(t *testing.T) {
	frags := []Fragment{{Layer: LayerObfuscation, Kind: KindPhone, Text: "5551234567", Start: -1, End: -1}}
	assert.Equal(t, PlaceholderGeneric, Sanitize("anything", frags))
}

func TestSanitizeNoFragments(t *testing.T) {
	assert.Equal(t, "hello", Sanitize("hello", nil))
}
