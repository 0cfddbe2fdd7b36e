package detect

import "sort"

// Placeholder text substituted for each redacted fragment kind.
const (
	PlaceholderPhone   = "[PHONE NUMBER BLOCKED]"
	PlaceholderEmail   = "[EMAIL BLOCKED]"
	PlaceholderSocial  = "[SOCIAL MEDIA BLOCKED]"
	PlaceholderIntent  = "[CONTACT REQUEST BLOCKED]"
	PlaceholderGeneric = "[CONTACT INFO BLOCKED]"
)

func placeholderFor(kind string) string {
	switch kind {
	case KindPhone:
		return PlaceholderPhone
	case KindEmail:
		return PlaceholderEmail
	case KindSocial:
		return PlaceholderSocial
	case KindIntent, KindProvision:
		return PlaceholderIntent
	default:
		return PlaceholderGeneric
	}
}

// Sanitize replaces every located fragment in text with a placeholder.
// Fragments found only in the normalized view carry no raw span and
// cannot be excised individually; when any such fragment is present the
// whole message degrades to a single generic placeholder rather than
// letting the obfuscated contact slip through.
func Sanitize(text string, fragments []Fragment) string {
	located := make([]Fragment, 0, len(fragments))
	for _, f := range fragments {
		if f.Start < 0 || f.End > len(text) || f.End <= f.Start {
			if f.Layer == LayerObfuscation {
				return PlaceholderGeneric
			}
			continue
		}
		located = append(located, f)
	}
	if len(located) == 0 {
		return text
	}

	// Replace right to left so earlier spans stay valid. Overlapping
	// spans collapse into whichever replacement lands first.
	sort.Slice(located, func(i, j int) bool {
		if located[i].Start != located[j].Start {
			return located[i].Start > located[j].Start
		}
		return located[i].End > located[j].End
	})

	out := text
	lastStart := len(out) + 1
	for _, f := range located {
		if f.End > lastStart {
			continue
		}
		out = out[:f.Start] + placeholderFor(f.Kind) + out[f.End:]
		lastStart = f.Start
	}
	return out
}
