package intent

import (
	"regexp"
	"strconv"

	"github.com/wolfman30/flightdesk-ai/internal/lexicon"
)

const maxPassengers = 99

var (
	isoDatePattern     = regexp.MustCompile(`^\d{4}-\d{1,2}-\d{1,2}$`)
	numericDatePattern = regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})([/-]\d{2,4})?$`)
)

// Extractor pulls flight entities out of normalized text using the
// lexicon's gazetteers, markers and unit words.
type Extractor struct {
	lex *lexicon.Lexicon
}

// NewExtractor creates an extractor over lex.
func NewExtractor(lex *lexicon.Lexicon) *Extractor {
	if lex == nil {
		panic("intent: lexicon required")
	}
	return &Extractor{lex: lex}
}

// Extract returns the entities found in an already-normalized message.
func (x *Extractor) Extract(normalized string) Entities {
	tokens := lexicon.Tokens(normalized)
	var e Entities
	x.extractCities(tokens, &e)
	e.Date = x.extractDate(tokens)
	e.PassengerCount = x.extractPassengers(tokens)
	for _, phrase := range x.lex.UrgencyKeywords() {
		if lexicon.ContainsPhrase(normalized, phrase) {
			e.Urgent = true
			break
		}
	}
	return e
}

func (x *Extractor) extractCities(tokens []string, e *Entities) {
	var unassigned []string
	for _, m := range x.lex.Cities().Scan(tokens) {
		prev := ""
		if m.Start > 0 {
			prev = tokens[m.Start-1]
		}
		switch {
		case x.lex.IsFromMarker(prev) && e.FromCity == "":
			e.FromCity = m.Name
		case x.lex.IsToMarker(prev) && e.ToCity == "":
			e.ToCity = m.Name
		default:
			unassigned = append(unassigned, m.Name)
		}
	}
	if e.FromCity == "" && e.ToCity == "" && len(unassigned) >= 2 {
		e.FromCity, e.ToCity = unassigned[0], unassigned[1]
		return
	}
	for _, name := range unassigned {
		switch {
		case e.ToCity == "" && name != e.FromCity:
			e.ToCity = name
		case e.FromCity == "" && name != e.ToCity:
			e.FromCity = name
		}
	}
}

func (x *Extractor) extractDate(tokens []string) string {
	for _, tok := range tokens {
		if isoDatePattern.MatchString(tok) {
			return tok
		}
		if m := numericDatePattern.FindStringSubmatch(tok); m != nil {
			day, _ := strconv.Atoi(m[1])
			month, _ := strconv.Atoi(m[2])
			if day >= 1 && day <= 31 && month >= 1 && month <= 12 {
				return tok
			}
		}
	}
	if matches := x.lex.Dates().Scan(tokens); len(matches) > 0 {
		return matches[0].Name
	}
	return ""
}

func (x *Extractor) extractPassengers(tokens []string) int {
	for i, tok := range tokens {
		n, ok := smallNumber(tok)
		if !ok {
			continue
		}
		if i+1 < len(tokens) && x.lex.IsPassengerUnit(tokens[i+1]) {
			return n
		}
		if i > 0 && x.lex.IsPassengerUnit(tokens[i-1]) {
			return n
		}
	}
	return 0
}

// BareNumber reports whether the normalized message is a single count,
// as sent when answering "how many passengers?".
func BareNumber(normalized string) (int, bool) {
	tokens := lexicon.Tokens(normalized)
	if len(tokens) != 1 {
		return 0, false
	}
	return smallNumber(tokens[0])
}

func smallNumber(tok string) (int, bool) {
	for _, r := range tok {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(tok)
	if err != nil || n < 1 || n > maxPassengers {
		return 0, false
	}
	return n, true
}
