package intent

import "errors"

// Kind identifies what the customer is asking for in a turn.
type Kind string

const (
	KindEmergency          Kind = "emergency"
	KindProviderNoResponse Kind = "provider_no_response"
	KindReportProblem      Kind = "report_problem"
	KindChangeBooking      Kind = "change_booking"
	KindRequestTicket      Kind = "request_ticket"
	KindSearchFlight       Kind = "search_flight"
	KindCompleteBooking    Kind = "complete_booking"
	KindGeneralInquiry     Kind = "general_inquiry"
)

// priority is the tie-break order, highest first.
var priority = []Kind{
	KindEmergency,
	KindProviderNoResponse,
	KindReportProblem,
	KindChangeBooking,
	KindRequestTicket,
	KindSearchFlight,
	KindCompleteBooking,
	KindGeneralInquiry,
}

// Kinds returns every intent kind in tie-break priority order.
func Kinds() []Kind {
	out := make([]Kind, len(priority))
	copy(out, priority)
	return out
}

// ParseKind validates a kind string, typically one produced by a model.
func ParseKind(s string) (Kind, bool) {
	for _, k := range priority {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Source records which tier produced a classification.
type Source string

const (
	SourceKeyword Source = "keyword"
	SourceContext Source = "context"
	SourceLLM     Source = "llm"
)

// Field names used for missing-field bookkeeping.
const (
	FieldFromCity       = "from_city"
	FieldToCity         = "to_city"
	FieldDate           = "date"
	FieldPassengerCount = "passenger_count"
)

// requirementOrder is the order in which flight requirements are asked.
var requirementOrder = []string{FieldFromCity, FieldToCity, FieldDate, FieldPassengerCount}

// Entities are the values extracted from a single message.
type Entities struct {
	FromCity       string `json:"from_city,omitempty"`
	ToCity         string `json:"to_city,omitempty"`
	Date           string `json:"date,omitempty"`
	PassengerCount int    `json:"passenger_count,omitempty"`
	Urgent         bool   `json:"urgent,omitempty"`
}

// Merge returns e with empty fields filled from other.
func (e Entities) Merge(other Entities) Entities {
	if e.FromCity == "" {
		e.FromCity = other.FromCity
	}
	if e.ToCity == "" {
		e.ToCity = other.ToCity
	}
	if e.Date == "" {
		e.Date = other.Date
	}
	if e.PassengerCount == 0 {
		e.PassengerCount = other.PassengerCount
	}
	e.Urgent = e.Urgent || other.Urgent
	return e
}

// Missing lists the flight requirements not yet known, in asking order.
func (e Entities) Missing() []string {
	var missing []string
	for _, field := range requirementOrder {
		switch field {
		case FieldFromCity:
			if e.FromCity == "" {
				missing = append(missing, field)
			}
		case FieldToCity:
			if e.ToCity == "" {
				missing = append(missing, field)
			}
		case FieldDate:
			if e.Date == "" {
				missing = append(missing, field)
			}
		case FieldPassengerCount:
			if e.PassengerCount == 0 {
				missing = append(missing, field)
			}
		}
	}
	return missing
}

// Intent is the classification of one customer turn.
type Intent struct {
	Kind       Kind
	Confidence float64
	Entities   Entities
	Language   string
	Source     Source
	// MissingFields are the flight requirements still unknown after
	// merging this turn's entities into the conversation draft.
	MissingFields []string
	// ProblemType is the provider-actionable problem category, if any.
	ProblemType string
	// NeedsClarification is set when neither tier found any signal.
	NeedsClarification bool
}

// Turn is one line of prior conversation handed to the model.
type Turn struct {
	Role string
	Text string
}

// Context is what the classifier knows about the conversation so far.
type Context struct {
	ProblemReported bool
	// PendingField is the requirement the last reply asked for.
	PendingField string
	Draft        Entities
	History      []Turn
	Language     string
}

// ErrClassification marks a failed model call; callers degrade to the
// deterministic result.
var ErrClassification = errors.New("intent: classification failure")
