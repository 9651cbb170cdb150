package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wolfman30/flightdesk-ai/internal/lexicon"
	"github.com/wolfman30/flightdesk-ai/internal/llm"
)

const (
	modelMaxTokens = 300
	historyTurns   = 6
)

// ModelResult is the JSON object the model is asked to return.
type ModelResult struct {
	Intent            string        `json:"intent"`
	Language          string        `json:"language"`
	ExtractedEntities ModelEntities `json:"extracted_entities"`
	MissingFields     []string      `json:"missing_fields"`
	Action            string        `json:"action"`
	Confidence        float64       `json:"confidence"`
}

// ModelEntities tolerates the loose typing models produce, such as a
// passenger count sent as "2".
type ModelEntities struct {
	FromCity       string          `json:"from_city"`
	ToCity         string          `json:"to_city"`
	Date           string          `json:"date"`
	PassengerCount json.RawMessage `json:"passenger_count"`
	Urgency        bool            `json:"urgency"`
}

// entities canonicalizes model output against the gazetteer. Unknown
// cities and out-of-range counts are dropped.
func (r ModelResult) entities(lex *lexicon.Lexicon) Entities {
	var e Entities
	cities := lex.Cities()
	if name, ok := cities.Lookup(r.ExtractedEntities.FromCity); ok {
		e.FromCity = name
	}
	if name, ok := cities.Lookup(r.ExtractedEntities.ToCity); ok && name != e.FromCity {
		e.ToCity = name
	}
	e.Date = strings.TrimSpace(r.ExtractedEntities.Date)
	e.PassengerCount = passengerCount(r.ExtractedEntities.PassengerCount)
	e.Urgent = r.ExtractedEntities.Urgency
	return e
}

func passengerCount(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		v, ok := smallNumber(lexicon.Normalize(s))
		if !ok {
			return 0
		}
		return v
	}
	if n != float64(int(n)) || n < 1 || n > maxPassengers {
		return 0
	}
	return int(n)
}

// LLMFallback asks a hosted model to classify turns the keyword tier
// could not settle.
type LLMFallback struct {
	client llm.Client
	model  string
}

// NewLLMFallback adapts an llm.Client into a ModelClassifier.
func NewLLMFallback(client llm.Client, model string) *LLMFallback {
	if client == nil {
		panic("intent: llm client required")
	}
	return &LLMFallback{client: client, model: model}
}

func (f *LLMFallback) Classify(ctx context.Context, text string, det Intent, cctx Context) (ModelResult, error) {
	req := llm.Request{
		Model:       f.model,
		System:      []string{classificationPrompt},
		MaxTokens:   modelMaxTokens,
		Temperature: 0,
	}
	history := cctx.History
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	for _, turn := range history {
		role := llm.RoleUser
		if turn.Role == llm.RoleAssistant {
			role = llm.RoleAssistant
		}
		req.Messages = appendMessage(req.Messages, role, turn.Text)
	}
	req.Messages = appendMessage(req.Messages, llm.RoleUser, turnPrompt(text, det, cctx))

	resp, err := f.client.Complete(ctx, req)
	if err != nil {
		return ModelResult{}, err
	}
	return ParseModelResult(resp.Text)
}

// appendMessage keeps roles alternating and starting with the user, as the
// Converse API requires. A turn with no reply leaves two customer lines in
// a row; they are joined into one message.
func appendMessage(msgs []llm.Message, role, content string) []llm.Message {
	n := len(msgs)
	switch {
	case n == 0 && role == llm.RoleAssistant:
		return msgs
	case n > 0 && msgs[n-1].Role == role:
		msgs[n-1].Content += "\n" + content
		return msgs
	}
	return append(msgs, llm.Message{Role: role, Content: content})
}

// ParseModelResult extracts the first JSON object from a model reply,
// ignoring any prose or code fences around it.
func ParseModelResult(text string) (ModelResult, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ModelResult{}, errors.New("intent: model reply has no json object")
	}
	var res ModelResult
	if err := json.Unmarshal([]byte(text[start:end+1]), &res); err != nil {
		return ModelResult{}, fmt.Errorf("intent: decode model reply: %w", err)
	}
	if _, ok := ParseKind(res.Intent); !ok {
		return ModelResult{}, fmt.Errorf("intent: model returned unknown intent %q", res.Intent)
	}
	return res, nil
}

func turnPrompt(text string, det Intent, cctx Context) string {
	var b strings.Builder
	b.WriteString("Customer message: ")
	b.WriteString(strconv.Quote(text))
	b.WriteString("\nKeyword guess: ")
	b.WriteString(string(det.Kind))
	b.WriteString(" (confidence ")
	b.WriteString(strconv.FormatFloat(det.Confidence, 'f', 2, 64))
	b.WriteString(")")
	if cctx.PendingField != "" {
		b.WriteString("\nThe last reply asked the customer for: ")
		b.WriteString(cctx.PendingField)
	}
	if known := knownFields(cctx.Draft); known != "" {
		b.WriteString("\nAlready known, do not ask again: ")
		b.WriteString(known)
	}
	if cctx.ProblemReported {
		b.WriteString("\nThe customer already reported a problem in this conversation.")
	}
	return b.String()
}

func knownFields(d Entities) string {
	var parts []string
	if d.FromCity != "" {
		parts = append(parts, FieldFromCity+"="+d.FromCity)
	}
	if d.ToCity != "" {
		parts = append(parts, FieldToCity+"="+d.ToCity)
	}
	if d.Date != "" {
		parts = append(parts, FieldDate+"="+d.Date)
	}
	if d.PassengerCount > 0 {
		parts = append(parts, FieldPassengerCount+"="+strconv.Itoa(d.PassengerCount))
	}
	return strings.Join(parts, ", ")
}

const classificationPrompt = `You classify WhatsApp messages sent to a flight booking agency. Customers write in Arabic (often Yemeni dialect) or English.

Return ONLY a JSON object with these keys:
{"intent": string, "language": "ar"|"en", "extracted_entities": {"from_city": string, "to_city": string, "date": string, "passenger_count": number, "urgency": boolean}, "missing_fields": [string], "action": string, "confidence": number}

intent must be one of: emergency, provider_no_response, report_problem, change_booking, request_ticket, search_flight, complete_booking, general_inquiry.

Rules:
- A message that is only a number answers the field named on the "The last reply asked the customer for:" line, usually passenger_count; set that field and treat it as search_flight.
- If the last reply asked for a field and the message answers it, the intent is search_flight.
- Never list a field in missing_fields that is already known.
- "No one answered" or "nobody replied" after a reported problem is provider_no_response.
- Use empty strings for unknown entities. Do not invent cities or dates.
- confidence is between 0 and 1.`
