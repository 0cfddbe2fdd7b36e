package detect

import (
	"regexp"
	"strings"
)

// Fragment kinds.
const (
	KindPhone           = "phone_number"
	KindEmail           = "email_address"
	KindSocial          = "social_handle"
	KindIntent          = "contact_intent"
	KindProvision       = "contact_provision"
	KindNearMissHistory = "near_miss_history"
)

type pattern struct {
	kind       string
	confidence float64
	re         *regexp.Regexp
}

type patternSet struct {
	identifiers []pattern // phones, emails, social handles
	intents     []pattern // solicitation phrasing
}

// compiledPatterns is process-wide; regexps are compile-once and safe for
// concurrent use.
var compiledPatterns = &patternSet{
	identifiers: []pattern{
		// Phone numbers, literal forms.
		{KindPhone, 0.95, regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)},
		{KindPhone, 0.95, regexp.MustCompile(`\(\d{3}\)\s*\d{3}[-.]?\d{4}`)},
		{KindPhone, 0.95, regexp.MustCompile(`\b\d{3}\s+\d{3}\s+\d{4}\b`)},
		{KindPhone, 0.95, regexp.MustCompile(`\+\d{1,3}[-.\s]?\d{3,4}[-.\s]?\d{3,4}[-.\s]?\d{3,4}`)},
		// Creative separators between the groups.
		{KindPhone, 0.95, regexp.MustCompile(`\b\d{3}[^\d\w\s]{1,3}\d{3}[^\d\w\s]{1,3}\d{4}\b`)},
		// Digits spelled out, three or more words in a row.
		{KindPhone, 0.95, regexp.MustCompile(`(?i)\b(?:zero|one|two|three|four|five|six|seven|eight|nine)(?:[\s,.-]+(?:zero|one|two|three|four|five|six|seven|eight|nine)){2,}\b`)},
		// Spaced-out digits, seven or more.
		{KindPhone, 0.9, regexp.MustCompile(`\b\d(?:\s+\d){6,}\b`)},
		// Digits trailing a call/text cue.
		{KindPhone, 0.9, regexp.MustCompile(`(?i)\b(?:call|text|phone)[\s:]*\d{3}`)},

		// Emails, literal and obfuscated.
		{KindEmail, 0.9, regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
		{KindEmail, 0.9, regexp.MustCompile(`[A-Za-z0-9._%+-]+\s*@\s*[A-Za-z0-9.-]+\s*\.\s*[A-Za-z]{2,}`)},
		{KindEmail, 0.9, regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+-]+\s*\[at\]\s*[A-Za-z0-9.-]+\s*\[dot\]\s*[A-Za-z]{2,}\b`)},
		{KindEmail, 0.9, regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+-]+\s+at\s+[A-Za-z0-9.-]+\s+dot\s+[A-Za-z]{2,}\b`)},
		{KindEmail, 0.9, regexp.MustCompile(`(?i)\b(?:gmail|yahoo|hotmail|outlook)\s+(?:dot|period)\s+(?:com|org|net)\b`)},

		// Social handles and platform references.
		{KindSocial, 0.8, regexp.MustCompile(`(?i)\b(?:instagram|facebook|twitter|linkedin|snapchat|tiktok)\b[\s:/@]*[A-Za-z0-9._]*`)},
		{KindSocial, 0.8, regexp.MustCompile(`(?i)\b(?:find|follow|add|connect)\s+me\s+on\s+\w+`)},
		{KindSocial, 0.75, regexp.MustCompile(`@[A-Za-z][A-Za-z0-9_]{2,}`)},
		{KindSocial, 0.8, regexp.MustCompile(`(?i)\b(?:dm|message)\s+me\b`)},
	},
	intents: []pattern{
		// Direct contact requests.
		{KindIntent, 1.0, regexp.MustCompile(`(?i)\b(?:call|text|email|contact|reach)\s+me\s+(?:at|on|directly)\b`)},
		{KindIntent, 0.85, regexp.MustCompile(`(?i)\b(?:call|text|email|contact)\s+me\b`)},
		{KindIntent, 0.85, regexp.MustCompile(`(?i)\b(?:my|the)\s+(?:number|phone|cell|email|contact)\b`)},
		{KindIntent, 0.85, regexp.MustCompile(`(?i)\b(?:give|send)\s+me\s+(?:your|a)\s+(?:call|text|email|number)\b`)},

		// Platform bypass.
		{KindIntent, 1.0, regexp.MustCompile(`(?i)\blet'?s?\s+(?:talk|chat|discuss)\s+(?:offline|directly|outside|privately)\b`)},
		{KindIntent, 1.0, regexp.MustCompile(`(?i)\b(?:bypass|skip|avoid)\s+(?:the\s+)?platform\b`)},
		{KindIntent, 0.85, regexp.MustCompile(`(?i)\b(?:direct|personal|private)\s+(?:contact|communication)\b`)},
		{KindIntent, 1.0, regexp.MustCompile(`(?i)\btake\s+this\s+(?:offline|outside)\b`)},
		{KindIntent, 1.0, regexp.MustCompile(`(?i)\b(?:meet|talk)\s+(?:outside|away\s+from)\s+(?:here|the\s+platform|platform)\b`)},
		{KindIntent, 1.0, regexp.MustCompile(`(?i)\b(?:continue\s+)?(?:conversation|discussion)\s+(?:elsewhere|privately)\b`)},

		// Messaging apps.
		{KindIntent, 0.9, regexp.MustCompile(`(?i)\b(?:whatsapp|telegram|signal|discord|messenger)\b`)},
		{KindIntent, 0.9, regexp.MustCompile(`(?i)\b(?:send|share)\s+(?:your|my)\s+(?:contact|info|details)\b`)},

		// Providing contact info.
		{KindProvision, 1.0, regexp.MustCompile(`(?i)\bmy\s+number\s+is\b`)},
		{KindProvision, 1.0, regexp.MustCompile(`(?i)\breach\s+me\s+at\b`)},
		{KindProvision, 1.0, regexp.MustCompile(`(?i)\bemail\s+me\s+at\b`)},
	},
}

// scanRaw runs the identifier patterns over the raw text. The layer score is
// the highest fragment confidence.
func (p *patternSet) scanRaw(text string) (float64, []Fragment) {
	return scan(p.identifiers, text, LayerPattern)
}

// scanIntent runs the solicitation patterns over the raw text.
func (p *patternSet) scanIntent(text string) (float64, []Fragment) {
	return scan(p.intents, text, LayerIntent)
}

// scanNormalized strips obfuscation and re-runs the identifier patterns.
// It contributes only hits the raw pass missed: a fragment whose matched
// text already appears (modulo separators) among the raw fragments is not
// counted again.
func (p *patternSet) scanNormalized(text string, rawFrags []Fragment) (float64, []Fragment) {
	normalized := Normalize(text)
	if normalized == strings.ToLower(text) {
		return 0, nil
	}

	seen := make(map[string]bool, len(rawFrags))
	for _, f := range rawFrags {
		seen[stripSeparators(f.Text)] = true
	}

	score := 0.0
	var out []Fragment
	for _, pat := range p.identifiers {
		for _, m := range pat.re.FindAllString(normalized, -1) {
			if seen[stripSeparators(m)] {
				continue
			}
			out = append(out, Fragment{
				Layer:      LayerObfuscation,
				Kind:       pat.kind,
				Text:       m,
				Confidence: 1.0, // a hit that survived normalization is deliberate
				Start:      -1,
				End:        -1,
			})
			score = 1.0
		}
	}
	return score, out
}

func scan(patterns []pattern, text, layer string) (float64, []Fragment) {
	score := 0.0
	var out []Fragment
	for _, pat := range patterns {
		for _, loc := range pat.re.FindAllStringIndex(text, -1) {
			out = append(out, Fragment{
				Layer:      layer,
				Kind:       pat.kind,
				Text:       text[loc[0]:loc[1]],
				Confidence: pat.confidence,
				Start:      loc[0],
				End:        loc[1],
			})
			if pat.confidence > score {
				score = pat.confidence
			}
		}
	}
	return score, out
}

var separatorStripper = strings.NewReplacer(" ", "", "-", "", ".", "", ",", "", "(", "", ")", "")

func stripSeparators(s string) string {
	return strings.ToLower(separatorStripper.Replace(s))
}
