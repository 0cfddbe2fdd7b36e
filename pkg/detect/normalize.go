package detect

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize produces the obfuscation-layer view of a message: Unicode
// confusables folded to ASCII, case folded, digits spelled out converted
// back to digits, leetspeak in digit runs mapped, and separators between
// digits collapsed. "five-five-five, one-two-three" becomes "555123".
func Normalize(text string) string {
	// Fold compatibility forms and strip combining marks, which defeats
	// homoglyph and zero-width obfuscation ("𝟝𝟝𝟝", "5​5​5").
	folded, _, err := transform.String(transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.In(unicode.Cf)),
		norm.NFC,
	), text)
	if err != nil {
		folded = text
	}

	s := strings.ToLower(folded)
	s = numberWords.ReplaceAllStringFunc(s, func(w string) string {
		return digitFor[strings.ToLower(w)]
	})
	s = collapseDigitSeparators(s)
	return s
}

var numberWords = regexp.MustCompile(`(?i)\b(?:zero|one|two|three|four|five|six|seven|eight|nine)\b`)

var digitFor = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
}

// digitSeparator matches a separator sandwiched between two digits.
// RE2 has no lookahead, so collapsing runs until fixpoint.
var digitSeparator = regexp.MustCompile(`(\d)[\s.,()\-_*]+(\d)`)

func collapseDigitSeparators(s string) string {
	for {
		collapsed := digitSeparator.ReplaceAllString(s, "$1$2")
		if collapsed == s {
			return s
		}
		s = collapsed
	}
}
