package intent

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/flightdesk-ai/internal/lexicon"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

const (
	// DefaultThreshold is the keyword confidence below which the model
	// fallback is consulted.
	DefaultThreshold = 0.34
	// DefaultStrongMatch is the score at which a keyword match is strong
	// enough to resist the problem_reported negation override.
	DefaultStrongMatch = 0.5
	defaultLLMTimeout  = 3 * time.Second
	contextConfidence  = 0.9
)

// ModelClassifier is the best-effort second tier.
type ModelClassifier interface {
	Classify(ctx context.Context, text string, det Intent, cctx Context) (ModelResult, error)
}

// Observer receives classification outcomes for metrics.
type Observer interface {
	ObserveClassification(kind, source string)
	ObserveLLMFallback(result string)
}

// Classifier runs deterministic keyword scoring with an optional model
// fallback. It is safe for concurrent use.
type Classifier struct {
	lex        *lexicon.Lexicon
	extractor  *Extractor
	model      ModelClassifier
	threshold  float64
	strong     float64
	llmTimeout time.Duration
	observer   Observer
	logger     *logging.Logger
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithModel enables the model fallback tier.
func WithModel(model ModelClassifier) Option {
	return func(c *Classifier) {
		c.model = model
	}
}

// WithThreshold overrides the fallback confidence threshold.
func WithThreshold(threshold float64) Option {
	return func(c *Classifier) {
		if threshold > 0 && threshold <= 1 {
			c.threshold = threshold
		}
	}
}

// WithLLMTimeout bounds each model call.
func WithLLMTimeout(timeout time.Duration) Option {
	return func(c *Classifier) {
		if timeout > 0 {
			c.llmTimeout = timeout
		}
	}
}

// WithObserver wires metrics.
func WithObserver(observer Observer) Option {
	return func(c *Classifier) {
		c.observer = observer
	}
}

// NewClassifier builds a classifier over lex.
func NewClassifier(lex *lexicon.Lexicon, logger *logging.Logger, opts ...Option) *Classifier {
	if lex == nil {
		panic("intent: lexicon required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &Classifier{
		lex:        lex,
		extractor:  NewExtractor(lex),
		threshold:  DefaultThreshold,
		strong:     DefaultStrongMatch,
		llmTimeout: defaultLLMTimeout,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify never fails: a model error or timeout degrades to the
// deterministic result, and a turn with no signal at all is flagged for
// clarification.
func (c *Classifier) Classify(ctx context.Context, text string, cctx Context) Intent {
	det := c.Deterministic(text, cctx)
	result := det

	if c.model != nil && c.needsModel(det) {
		result = c.consultModel(ctx, text, det, cctx)
	}
	if result.Source != SourceLLM && result.Confidence == 0 && result.Entities == (Entities{}) {
		result.NeedsClarification = true
	}
	if c.observer != nil {
		c.observer.ObserveClassification(string(result.Kind), string(result.Source))
	}
	return result
}

// Deterministic runs the keyword tier only.
func (c *Classifier) Deterministic(text string, cctx Context) Intent {
	normalized := lexicon.Normalize(text)
	lang := lexicon.DetectLanguage(text)
	if lang == "" {
		lang = cctx.Language
	}

	kind, score := c.score(normalized, lang)
	entities := c.extractor.Extract(normalized)
	out := Intent{
		Kind:       kind,
		Confidence: score,
		Entities:   entities,
		Language:   lang,
		Source:     SourceKeyword,
	}

	switch {
	case cctx.ProblemReported && score < c.strong && c.hasNegation(normalized):
		out.Kind = KindProviderNoResponse
		out.Confidence = c.strong
		out.Source = SourceContext
	case score == 0 && cctx.PendingField != "" && c.answersPending(normalized, cctx.PendingField, &out.Entities):
		out.Kind = KindSearchFlight
		out.Confidence = contextConfidence
		out.Source = SourceContext
	}

	out.ProblemType = c.problemType(normalized, out.Kind)
	c.fillMissing(&out, cctx)
	return out
}

func (c *Classifier) needsModel(det Intent) bool {
	if det.Source == SourceContext {
		return false
	}
	if det.Confidence < c.threshold {
		return true
	}
	return det.Kind == KindSearchFlight && len(det.MissingFields) > 0
}

func (c *Classifier) consultModel(ctx context.Context, text string, det Intent, cctx Context) Intent {
	callCtx, cancel := context.WithTimeout(ctx, c.llmTimeout)
	defer cancel()

	res, err := c.model.Classify(callCtx, text, det, cctx)
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		c.logger.Warn("model classification failed, using keyword result",
			"error", errors.Join(ErrClassification, err),
			"outcome", outcome,
			"keyword_intent", det.Kind,
		)
		if c.observer != nil {
			c.observer.ObserveLLMFallback(outcome)
		}
		return det
	}
	if c.observer != nil {
		c.observer.ObserveLLMFallback("ok")
	}
	return c.mergeModel(det, res, cctx)
}

func (c *Classifier) mergeModel(det Intent, res ModelResult, cctx Context) Intent {
	out := det
	if kind, ok := ParseKind(res.Intent); ok && det.Confidence < c.threshold {
		out.Kind = kind
		out.Confidence = clamp01(res.Confidence)
		out.Source = SourceLLM
	}
	out.Entities = det.Entities.Merge(res.entities(c.lex))
	if out.Language == "" {
		out.Language = res.Language
	}
	if out.ProblemType == "" && out.Kind == KindChangeBooking {
		out.ProblemType = string(KindChangeBooking)
	}
	c.fillMissing(&out, cctx)
	return out
}

// score returns the best intent by matched/total keyword ratio. Ties go
// to the higher-priority kind; no match at all yields general_inquiry
// with zero confidence.
func (c *Classifier) score(normalized, lang string) (Kind, float64) {
	langs := []string{lang}
	if lang == "" {
		langs = []string{"ar", "en"}
	}
	best, bestScore := KindGeneralInquiry, 0.0
	for _, kind := range priority {
		for _, l := range langs {
			keywords := c.lex.IntentKeywords(string(kind), l)
			if len(keywords) == 0 {
				continue
			}
			matched := 0
			for _, kw := range keywords {
				if lexicon.ContainsPhrase(normalized, kw) {
					matched++
				}
			}
			if s := float64(matched) / float64(len(keywords)); s > bestScore {
				best, bestScore = kind, s
			}
		}
	}
	return best, bestScore
}

func (c *Classifier) hasNegation(normalized string) bool {
	for _, tok := range lexicon.Tokens(normalized) {
		if c.lex.IsNegation(tok) {
			return true
		}
	}
	return false
}

// answersPending applies a keyword-free message to the outstanding
// requirement question.
func (c *Classifier) answersPending(normalized, pending string, e *Entities) bool {
	switch pending {
	case FieldPassengerCount:
		if e.PassengerCount != 0 {
			return true
		}
		if n, ok := BareNumber(normalized); ok {
			e.PassengerCount = n
			return true
		}
	case FieldFromCity:
		if e.FromCity == "" && e.ToCity != "" {
			e.FromCity, e.ToCity = e.ToCity, ""
		}
		return e.FromCity != ""
	case FieldToCity:
		return e.ToCity != ""
	case FieldDate:
		return e.Date != ""
	}
	return false
}

func (c *Classifier) problemType(normalized string, kind Kind) string {
	best, bestHits := "", 0
	for _, pt := range c.lex.ProblemTypes() {
		hits := 0
		for _, kw := range c.lex.ProblemKeywords(pt) {
			if lexicon.ContainsPhrase(normalized, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = pt, hits
		}
	}
	if best == "" && kind == KindChangeBooking {
		return string(KindChangeBooking)
	}
	return best
}

func (c *Classifier) fillMissing(out *Intent, cctx Context) {
	out.MissingFields = nil
	if out.Kind == KindSearchFlight || out.Kind == KindCompleteBooking {
		out.MissingFields = out.Entities.Merge(cctx.Draft).Missing()
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
