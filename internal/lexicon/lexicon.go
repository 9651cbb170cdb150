package lexicon

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is a canonical name with the aliases that fold onto it.
type Entry struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// File is the on-disk layout of a lexicon document.
type File struct {
	Intents        map[string]map[string][]string `yaml:"intents"`
	Problems       map[string][]string            `yaml:"problems"`
	Negations      map[string][]string            `yaml:"negations"`
	Urgency        map[string][]string            `yaml:"urgency"`
	PassengerUnits map[string][]string            `yaml:"passenger_units"`
	FromMarkers    []string                       `yaml:"from_markers"`
	ToMarkers      []string                       `yaml:"to_markers"`
	Cities         []Entry                        `yaml:"cities"`
	Dates          []Entry                        `yaml:"dates"`
	Replies        map[string]map[string]string   `yaml:"replies"`
}

// Lexicon is the compiled, normalized form of a File. It is immutable
// after Compile and safe for concurrent use.
type Lexicon struct {
	intents        map[string]map[string][]string
	problems       map[string][]string
	problemOrder   []string
	negations      map[string]bool
	urgency        []string
	passengerUnits map[string]bool
	fromMarkers    map[string]bool
	toMarkers      map[string]bool
	cities         *Gazetteer
	dates          *Gazetteer
	replies        map[string]map[string]string
}

// Parse decodes and compiles a YAML lexicon document.
func Parse(data []byte) (*Lexicon, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("lexicon: decode: %w", err)
	}
	return Compile(f)
}

// Compile normalizes every keyword, marker and alias in f.
func Compile(f File) (*Lexicon, error) {
	if len(f.Intents) == 0 {
		return nil, errors.New("lexicon: no intent keywords configured")
	}
	if len(f.Cities) == 0 {
		return nil, errors.New("lexicon: empty city gazetteer")
	}
	lex := &Lexicon{
		intents:        make(map[string]map[string][]string, len(f.Intents)),
		problems:       make(map[string][]string, len(f.Problems)),
		negations:      make(map[string]bool),
		passengerUnits: make(map[string]bool),
		fromMarkers:    toSet(f.FromMarkers),
		toMarkers:      toSet(f.ToMarkers),
		replies:        f.Replies,
	}
	for kind, byLang := range f.Intents {
		lex.intents[kind] = make(map[string][]string, len(byLang))
		for lang, words := range byLang {
			lex.intents[kind][lang] = normalizeList(words)
		}
	}
	for kind, words := range f.Problems {
		lex.problems[kind] = normalizeList(words)
		lex.problemOrder = append(lex.problemOrder, kind)
	}
	sort.Strings(lex.problemOrder)
	for _, words := range f.Negations {
		for _, w := range normalizeList(words) {
			lex.negations[w] = true
		}
	}
	for _, words := range f.Urgency {
		lex.urgency = append(lex.urgency, normalizeList(words)...)
	}
	for _, words := range f.PassengerUnits {
		for _, w := range normalizeList(words) {
			lex.passengerUnits[w] = true
		}
	}
	var err error
	if lex.cities, err = NewGazetteer(f.Cities); err != nil {
		return nil, fmt.Errorf("lexicon: cities: %w", err)
	}
	if lex.dates, err = NewGazetteer(f.Dates); err != nil {
		return nil, fmt.Errorf("lexicon: dates: %w", err)
	}
	return lex, nil
}

// IntentKeywords returns the normalized keyword list for kind in lang.
func (l *Lexicon) IntentKeywords(kind, lang string) []string {
	return l.intents[kind][lang]
}

// ProblemTypes returns the configured problem types in a stable order.
func (l *Lexicon) ProblemTypes() []string {
	return l.problemOrder
}

// ProblemKeywords returns the normalized keywords for a problem type.
func (l *Lexicon) ProblemKeywords(kind string) []string {
	return l.problems[kind]
}

// IsNegation reports whether a normalized token is a negation marker.
func (l *Lexicon) IsNegation(token string) bool {
	return l.negations[token]
}

// UrgencyKeywords returns the normalized urgency phrases.
func (l *Lexicon) UrgencyKeywords() []string {
	return l.urgency
}

// IsPassengerUnit reports whether token names a passenger unit.
func (l *Lexicon) IsPassengerUnit(token string) bool {
	return l.passengerUnits[token]
}

// IsFromMarker reports whether token introduces an origin city.
func (l *Lexicon) IsFromMarker(token string) bool {
	return l.fromMarkers[token]
}

// IsToMarker reports whether token introduces a destination city.
func (l *Lexicon) IsToMarker(token string) bool {
	return l.toMarkers[token]
}

// Cities returns the city gazetteer.
func (l *Lexicon) Cities() *Gazetteer {
	return l.cities
}

// Dates returns the gazetteer of named days.
func (l *Lexicon) Dates() *Gazetteer {
	return l.dates
}

// Reply returns the template for key in lang, falling back to English and
// then to any language that defines it.
func (l *Lexicon) Reply(key, lang string) string {
	byLang := l.replies[key]
	if len(byLang) == 0 {
		return ""
	}
	if tpl, ok := byLang[lang]; ok {
		return tpl
	}
	if tpl, ok := byLang["en"]; ok {
		return tpl
	}
	langs := make([]string, 0, len(byLang))
	for k := range byLang {
		langs = append(langs, k)
	}
	sort.Strings(langs)
	return byLang[langs[0]]
}

func normalizeList(words []string) []string {
	seen := make(map[string]bool, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		n := Normalize(w)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func toSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range normalizeList(words) {
		set[w] = true
	}
	return set
}

// Gazetteer folds aliases (including the canonical name itself) onto a
// canonical entry and matches multi-word aliases on token boundaries.
type Gazetteer struct {
	byAlias  map[string]string
	maxWords int
}

// NewGazetteer builds a gazetteer from entries. An alias claimed by two
// different canonical names is an error.
func NewGazetteer(entries []Entry) (*Gazetteer, error) {
	g := &Gazetteer{byAlias: make(map[string]string), maxWords: 1}
	for _, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return nil, errors.New("entry without name")
		}
		for _, alias := range append([]string{name}, e.Aliases...) {
			key := Normalize(alias)
			if key == "" {
				continue
			}
			if existing, ok := g.byAlias[key]; ok && existing != name {
				return nil, fmt.Errorf("alias %q maps to both %q and %q", alias, existing, name)
			}
			g.byAlias[key] = name
			if n := len(strings.Fields(key)); n > g.maxWords {
				g.maxWords = n
			}
		}
	}
	return g, nil
}

// Lookup resolves a free-form name to its canonical entry.
func (g *Gazetteer) Lookup(name string) (string, bool) {
	if g == nil {
		return "", false
	}
	canonical, ok := g.byAlias[Normalize(name)]
	return canonical, ok
}

// Match is a gazetteer hit within a token sequence.
type Match struct {
	Name  string
	Start int
	End   int
}

// Scan finds non-overlapping matches in tokens, preferring the longest
// alias at each position. A single-token miss is retried without a
// leading conjunction "و".
func (g *Gazetteer) Scan(tokens []string) []Match {
	if g == nil {
		return nil
	}
	var matches []Match
	for i := 0; i < len(tokens); {
		matched := false
		for n := min(g.maxWords, len(tokens)-i); n >= 1; n-- {
			key := strings.Join(tokens[i:i+n], " ")
			name, ok := g.byAlias[key]
			if !ok && n == 1 && strings.HasPrefix(key, "و") {
				name, ok = g.byAlias[strings.TrimPrefix(key, "و")]
			}
			if ok {
				matches = append(matches, Match{Name: name, Start: i, End: i + n})
				i += n
				matched = true
				break
			}
		}
		if !matched {
			i++
		}
	}
	return matches
}
