// Package detect scores text for contact-information leakage. A false
// negative here breaks the business model, so every path fails closed:
// thresholds are conservative, a single saturated identifier layer forces a
// block, and an internal failure blocks the message outright.
//
// Detection runs four independent layers combined by a deterministic
// weighted-sum-plus-forcing-bonus rule (not simple averaging, so one clean
// layer cannot dilute a strong hit from another):
//
//	pattern     0.4  literal identifiers: phones, emails, social handles
//	intent      0.3  solicitation without a literal identifier
//	obfuscation 0.2  normalization pass re-scanned, counts only new hits
//	context     0.1  repeated near-misses from the same sender
//
// A fragment carrying a definite identifier (confidence ≥ 0.9) adds the
// forcing bonus on top of the weighted sum, which is what guarantees a
// recognizable phone number or email blocks regardless of the other layers.
package detect

import (
	"sync"
	"time"
)

// Verdict is the threshold band a composite score falls in.
type Verdict string

const (
	VerdictClean      Verdict = "clean"
	VerdictSuspicious Verdict = "suspicious" // delivered but flagged
	VerdictBlocked    Verdict = "blocked"    // not delivered
)

// Layer names, fixed at build time.
const (
	LayerPattern     = "pattern"
	LayerIntent      = "intent"
	LayerObfuscation = "obfuscation"
	LayerContext     = "context"
)

// Fragment is one matched piece of evidence. Start/End index into the raw
// text; fragments found only in normalized text carry Start = -1.
type Fragment struct {
	Layer      string  `json:"layer"`
	Kind       string  `json:"kind"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
}

// Result is the outcome of one evaluation.
type Result struct {
	Composite   float64            `json:"composite_score"`
	LayerScores map[string]float64 `json:"layer_scores"`
	Fragments   []Fragment         `json:"fragments"`
	Verdict     Verdict            `json:"verdict"`
}

// Config holds the declared weighting policy and thresholds. Loaded once at
// process start; the zero value is replaced by Defaults.
type Config struct {
	PatternWeight     float64 `yaml:"pattern_weight"`
	IntentWeight      float64 `yaml:"intent_weight"`
	ObfuscationWeight float64 `yaml:"obfuscation_weight"`
	ContextWeight     float64 `yaml:"context_weight"`
	IdentifierBonus   float64 `yaml:"identifier_bonus"`
	SuspiciousAt      float64 `yaml:"suspicious_at"`
	BlockAt           float64 `yaml:"block_at"`
	// ContextWindowMinutes bounds how long near-misses count against a
	// sender.
	ContextWindowMinutes int `yaml:"context_window_minutes"`
	ContextSaturation    int `yaml:"context_saturation"`
}

// Defaults returns the production policy.
func Defaults() Config {
	return Config{
		PatternWeight:        0.4,
		IntentWeight:         0.3,
		ObfuscationWeight:    0.2,
		ContextWeight:        0.1,
		IdentifierBonus:      0.35,
		SuspiciousAt:         0.3,
		BlockAt:              0.6,
		ContextWindowMinutes: 60,
		ContextSaturation:    3,
	}
}

// Detector evaluates text for contact leakage. Evaluation itself is pure;
// the only state is the per-sender near-miss history behind its own mutex,
// so a Detector is safe for concurrent and redundant use.
type Detector struct {
	cfg      Config
	patterns *patternSet
	history  *senderHistory
	clock    func() time.Time
}

func New(cfg Config) *Detector {
	if cfg.BlockAt == 0 {
		cfg = Defaults()
	}
	return &Detector{
		cfg:      cfg,
		patterns: compiledPatterns,
		history:  newSenderHistory(time.Duration(cfg.ContextWindowMinutes)*time.Minute, cfg.ContextSaturation),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	d.history.clock = clock
	return d
}

// Evaluate scores text sent by senderID. It never returns an error: any
// internal failure yields a blocked verdict.
func (d *Detector) Evaluate(text, senderID string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Composite:   1.0,
				LayerScores: map[string]float64{},
				Verdict:     VerdictBlocked,
			}
		}
	}()
	return d.evaluate(text, senderID)
}

func (d *Detector) evaluate(text, senderID string) Result {
	patternScore, patternFrags := d.patterns.scanRaw(text)
	intentScore, intentFrags := d.patterns.scanIntent(text)
	obfScore, obfFrags := d.patterns.scanNormalized(text, patternFrags)
	contextScore, contextFrags := d.history.score(senderID)

	scores := map[string]float64{
		LayerPattern:     patternScore,
		LayerIntent:      intentScore,
		LayerObfuscation: obfScore,
		LayerContext:     contextScore,
	}

	fragments := make([]Fragment, 0, len(patternFrags)+len(intentFrags)+len(obfFrags)+len(contextFrags))
	fragments = append(fragments, patternFrags...)
	fragments = append(fragments, intentFrags...)
	fragments = append(fragments, obfFrags...)
	fragments = append(fragments, contextFrags...)

	composite := d.cfg.PatternWeight*patternScore +
		d.cfg.IntentWeight*intentScore +
		d.cfg.ObfuscationWeight*obfScore +
		d.cfg.ContextWeight*contextScore

	// Forcing bonus: a definite identifier cannot be diluted below the
	// block threshold by clean layers.
	for _, f := range fragments {
		if f.Confidence >= identifierConfidence && isIdentifierKind(f.Kind) {
			composite += d.cfg.IdentifierBonus
			break
		}
	}
	if composite > 1.0 {
		composite = 1.0
	}

	verdict := VerdictClean
	switch {
	case composite >= d.cfg.BlockAt:
		verdict = VerdictBlocked
	case composite >= d.cfg.SuspiciousAt:
		verdict = VerdictSuspicious
	}

	// Near-misses feed the context layer on the sender's next message.
	if verdict == VerdictSuspicious {
		d.history.record(senderID)
	}

	return Result{
		Composite:   composite,
		LayerScores: scores,
		Fragments:   fragments,
		Verdict:     verdict,
	}
}

const identifierConfidence = 0.9

func isIdentifierKind(kind string) bool {
	switch kind {
	case KindPhone, KindEmail:
		return true
	}
	return false
}

// senderHistory tracks recent near-misses per sender for the context layer.
type senderHistory struct {
	mu         sync.Mutex
	window     time.Duration
	saturation int
	events     map[string][]time.Time
	clock      func() time.Time
}

func newSenderHistory(window time.Duration, saturation int) *senderHistory {
	if window <= 0 {
		window = time.Hour
	}
	if saturation <= 0 {
		saturation = 3
	}
	return &senderHistory{
		window:     window,
		saturation: saturation,
		events:     make(map[string][]time.Time),
		clock:      time.Now,
	}
}

func (h *senderHistory) record(senderID string) {
	if senderID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[senderID] = append(h.prunedLocked(senderID), h.clock())
}

func (h *senderHistory) score(senderID string) (float64, []Fragment) {
	if senderID == "" {
		return 0, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	recent := h.prunedLocked(senderID)
	h.events[senderID] = recent
	if len(recent) == 0 {
		return 0, nil
	}
	score := float64(len(recent)) / float64(h.saturation)
	if score > 1.0 {
		score = 1.0
	}
	return score, []Fragment{{
		Layer:      LayerContext,
		Kind:       KindNearMissHistory,
		Text:       "",
		Confidence: 0.6,
		Start:      -1,
		End:        -1,
	}}
}

func (h *senderHistory) prunedLocked(senderID string) []time.Time {
	cutoff := h.clock().Add(-h.window)
	kept := h.events[senderID][:0:0]
	for _, t := range h.events[senderID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
