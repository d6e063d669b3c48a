package crisis

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidPattern is wrapped by NewDetector when a catalogue regex or risk
// tag cannot be used.
var ErrInvalidPattern = errors.New("invalid catalogue pattern")

const (
	DefaultFuzzyThreshold = 2
	DefaultFuzzyMaxRatio  = 0.3
	DefaultMinTokenLength = 3
)

// Options holds the fuzzy-matching tunables. The defaults are what the
// service runs with; they are empirical and have not been validated against
// a labelled set.
type Options struct {
	FuzzyThreshold int
	FuzzyMaxRatio  float64
	MinTokenLength int
	// Now stamps DetectedAt. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FuzzyThreshold <= 0 {
		o.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if o.FuzzyMaxRatio <= 0 {
		o.FuzzyMaxRatio = DefaultFuzzyMaxRatio
	}
	if o.MinTokenLength <= 0 {
		o.MinTokenLength = DefaultMinTokenLength
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type phrase struct {
	literal    string
	normalized string
}

type compiledPattern struct {
	source string
	risk   RiskLevel
	re     *regexp.Regexp
}

// Detector classifies free-form text with three lexical passes: exact phrase
// containment, obfuscation-tolerant regexes and edit-distance matching.
// It is immutable after construction and safe for concurrent use.
type Detector struct {
	phrases    []phrase
	patterns   []compiledPattern
	keyPhrases []keyPhrase
	opts       Options
}

// NewDetector compiles a catalogue. Phrases that normalise to the same text
// are folded into the first one listed.
func NewDetector(cat Catalogue, opts Options) (*Detector, error) {
	d := &Detector{opts: opts.withDefaults()}

	seen := make(map[string]struct{}, len(cat.Phrases))
	for _, p := range cat.Phrases {
		n := Normalize(p)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		d.phrases = append(d.phrases, phrase{literal: strings.TrimSpace(p), normalized: n})
	}

	for i, def := range cat.Patterns {
		risk, err := ParseRiskLevel(string(def.Risk))
		if err != nil || risk == RiskNone {
			return nil, fmt.Errorf("%w: pattern %d (%q) has risk %q", ErrInvalidPattern, i, def.Pattern, def.Risk)
		}
		re, err := regexp.Compile(`(?i)` + def.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %d: %v", ErrInvalidPattern, i, err)
		}
		d.patterns = append(d.patterns, compiledPattern{source: def.Pattern, risk: risk, re: re})
	}

	for _, k := range cat.KeyPhrases {
		n := Normalize(k)
		if n == "" {
			continue
		}
		d.keyPhrases = append(d.keyPhrases, keyPhrase{text: n, words: len(strings.Fields(n))})
	}

	return d, nil
}

var defaultDetector = mustDefaultDetector()

func mustDefaultDetector() *Detector {
	d, err := NewDetector(DefaultCatalogue(), Options{})
	if err != nil {
		panic(fmt.Sprintf("crisis: default catalogue: %v", err))
	}
	return d
}

// Default returns the detector built from the built-in catalogue.
func Default() *Detector { return defaultDetector }

// Detect classifies message with the default detector.
func Detect(message string) Assessment {
	return defaultDetector.Detect(message)
}

// DetectValue classifies decoded input of unknown type. Anything that is not
// a string yields the safe result.
func (d *Detector) DetectValue(v any) Assessment {
	s, ok := v.(string)
	if !ok {
		return safe("", d.opts.Now())
	}
	return d.Detect(s)
}

// Detect classifies one message.
func (d *Detector) Detect(message string) Assessment {
	now := d.opts.Now()
	normalized := Normalize(message)
	if normalized == "" {
		return safe(message, now)
	}

	level := RiskNone
	matches := newMatchSet()

	for _, p := range d.phrases {
		if strings.Contains(normalized, p.normalized) {
			matches.add(p.literal)
			level = RiskHigh
		}
	}

	obfuscated := patternText(message)
	for _, p := range d.patterns {
		found := p.re.FindAllString(obfuscated, -1)
		if len(found) == 0 {
			continue
		}
		for _, m := range found {
			matches.add(m)
		}
		level = level.Max(p.risk)
	}

	if len(d.keyPhrases) > 0 {
		tokens := strings.Split(normalized, " ")
		for _, kp := range d.keyPhrases {
			if d.fuzzyMatch(tokens, kp) {
				matches.add(kp.text + " (fuzzy match)")
				level = RiskHigh
			}
		}
	}

	return Assessment{
		IsEmergency:       level == RiskHigh,
		RiskLevel:         level,
		MatchedPhrases:    matches.list(),
		OriginalMessage:   message,
		NormalizedMessage: normalized,
		DetectedAt:        now,
	}
}

// matchSet keeps first-seen order and drops repeats.
type matchSet struct {
	seen  map[string]struct{}
	order []string
}

func newMatchSet() *matchSet {
	return &matchSet{seen: make(map[string]struct{})}
}

func (m *matchSet) add(s string) {
	if _, ok := m.seen[s]; ok {
		return
	}
	m.seen[s] = struct{}{}
	m.order = append(m.order, s)
}

func (m *matchSet) list() []string {
	if len(m.order) == 0 {
		return []string{}
	}
	return m.order
}
