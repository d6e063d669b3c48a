package crisis

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PatternDef is one obfuscation-tolerant regular expression and the risk it
// carries when it matches.
type PatternDef struct {
	Pattern string    `yaml:"pattern" json:"pattern"`
	Risk    RiskLevel `yaml:"risk" json:"risk"`
}

// Catalogue is the reviewable data the detector matches against. It holds no
// matching logic so it can be audited and extended on its own.
type Catalogue struct {
	// Phrases are matched by substring containment after normalisation.
	Phrases []string `yaml:"phrases" json:"phrases"`
	// Patterns catch digit-for-letter substitutions on the highest-value phrases.
	Patterns []PatternDef `yaml:"patterns" json:"patterns"`
	// KeyPhrases are the few phrases checked by edit distance.
	KeyPhrases []string `yaml:"key_phrases" json:"key_phrases"`
}

// DefaultCatalogue returns the built-in catalogue.
func DefaultCatalogue() Catalogue {
	return Catalogue{
		Phrases:    append([]string(nil), defaultPhrases...),
		Patterns:   append([]PatternDef(nil), defaultPatterns...),
		KeyPhrases: append([]string(nil), defaultKeyPhrases...),
	}
}

// LoadCatalogue reads a catalogue from a YAML file. Sections left empty in the
// file fall back to the built-in entries.
func LoadCatalogue(path string) (Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalogue{}, fmt.Errorf("read catalogue: %w", err)
	}
	var cat Catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return Catalogue{}, fmt.Errorf("decode catalogue: %w", err)
	}
	def := DefaultCatalogue()
	if len(cat.Phrases) == 0 {
		cat.Phrases = def.Phrases
	}
	if len(cat.Patterns) == 0 {
		cat.Patterns = def.Patterns
	}
	if len(cat.KeyPhrases) == 0 {
		cat.KeyPhrases = def.KeyPhrases
	}
	return cat, nil
}

var defaultPhrases = []string{
	// direct suicidal statements
	"kill myself",
	"kill me",
	"end my life",
	"end it all",
	"take my life",
	"suicide",
	"suicidal",
	"commit suicide",
	"want to die",
	"going to die",
	"better off dead",
	"not worth living",
	"life is not worth",
	"don't want to live",
	"can't go on",
	"want it to end",
	"end the pain",
	"no point in living",
	"tired of living",
	"done with life",
	"feel suicidal",
	"thinking about suicide",
	"planning to kill",
	"ready to die",
	"time to go",
	"checking out",
	"ending things",
	"permanent solution",

	// self-harm
	"hurt myself",
	"harm myself",
	"cut myself",
	"self harm",
	"self-harm",
	"overdose",
	"pills to end",
	"razor blade",
	"cutting again",
	"self destruct",

	// crisis and farewell
	"goodbye forever",
	"this is goodbye",
	"won't see me again",
	"final goodbye",
	"last time",
	"can't take it anymore",
	"nothing left",
	"give up",
	"no hope",
	"hopeless",
	"worthless",
	"burden to everyone",
	"everyone would be better",
	"world without me",
	"disappear forever",
	"stop existing",
	"cease to exist",
	"don't deserve to live",
	"failed at life",
	"useless person",
	"waste of space",

	// method references
	"jump off",
	"hanging myself",
	"shoot myself",
	"crash my car",
	"drive into",
	"tall building",
	"bridge jump",
	"train tracks",
	"sleeping pills",
	"carbon monoxide",
}

var defaultPatterns = []PatternDef{
	{Pattern: `su[i1]c[i1]de?`, Risk: RiskHigh},
	{Pattern: `k[i1]ll?\s+m[y3]?\s*s[e3]lf`, Risk: RiskHigh},
	{Pattern: `[e3]nd\s+m[y3]?\s*l[i1]f[e3]`, Risk: RiskHigh},
	{Pattern: `want\s+t[o0]\s+d[i1][e3]`, Risk: RiskHigh},
	{Pattern: `b[e3]tt[e3]r\s+[o0]ff\s+d[e3][a@]d`, Risk: RiskHigh},
	{Pattern: `n[o0]t\s+w[o0]rth\s+l[i1]v[i1]ng`, Risk: RiskHigh},
	{Pattern: `c[a@]n['t]*\s+g[o0]\s+[o0]n`, Risk: RiskMedium},
	{Pattern: `h[u0]rt\s+m[y3]?\s*s[e3]lf`, Risk: RiskHigh},
	{Pattern: `[o0]v[e3]rd[o0]s[e3]`, Risk: RiskHigh},
	{Pattern: `g[i1]v[e3]\s+[u0]p`, Risk: RiskMedium},
	{Pattern: `n[o0]\s+h[o0]p[e3]`, Risk: RiskMedium},
	{Pattern: `h[o0]p[e3]l[e3]ss`, Risk: RiskMedium},
	{Pattern: `w[o0]rthl[e3]ss`, Risk: RiskMedium},
}

var defaultKeyPhrases = []string{
	"kill myself",
	"end my life",
	"want to die",
	"commit suicide",
}
