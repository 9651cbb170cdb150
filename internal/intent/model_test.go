package intent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/flightdesk-ai/internal/lexicon"
	"github.com/wolfman30/flightdesk-ai/internal/llm"
)

type captureClient struct {
	req  llm.Request
	text string
	err  error
}

func (c *captureClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	c.req = req
	return llm.Response{Text: c.text}, c.err
}

func TestParseModelResult(t *testing.T) {
	res, err := ParseModelResult("```json\n{\"intent\":\"search_flight\",\"language\":\"ar\",\"extracted_entities\":{\"to_city\":\"مصر\",\"passenger_count\":3},\"missing_fields\":[\"date\"],\"action\":\"ask_date\",\"confidence\":0.82}\n```")
	require.NoError(t, err)
	assert.Equal(t, "search_flight", res.Intent)
	assert.Equal(t, []string{"date"}, res.MissingFields)
	assert.InDelta(t, 0.82, res.Confidence, 0.0001)

	e := res.entities(lexicon.Default())
	assert.Equal(t, "القاهرة", e.ToCity)
	assert.Equal(t, 3, e.PassengerCount)

	_, err = ParseModelResult("I think this is a flight search")
	assert.Error(t, err)

	_, err = ParseModelResult(`{"intent":"book_hotel","confidence":1}`)
	assert.Error(t, err)

	_, err = ParseModelResult(`{"intent": }`)
	assert.Error(t, err)
}

func TestModelEntitiesAreCanonicalized(t *testing.T) {
	lex := lexicon.Default()

	tests := []struct {
		name string
		raw  ModelEntities
		want Entities
	}{
		{
			name: "unknown city dropped",
			raw:  ModelEntities{FromCity: "Atlantis", ToCity: "dubai"},
			want: Entities{ToCity: "دبي"},
		},
		{
			name: "same city twice keeps origin only",
			raw:  ModelEntities{FromCity: "Cairo", ToCity: "مصر"},
			want: Entities{FromCity: "القاهرة"},
		},
		{
			name: "fractional count dropped",
			raw:  ModelEntities{PassengerCount: []byte(`2.5`)},
			want: Entities{},
		},
		{
			name: "oversized count dropped",
			raw:  ModelEntities{PassengerCount: []byte(`120`)},
			want: Entities{},
		},
		{
			name: "arabic-indic string count",
			raw:  ModelEntities{PassengerCount: []byte(`"٢"`), Urgency: true},
			want: Entities{PassengerCount: 2, Urgent: true},
		},
		{
			name: "null count",
			raw:  ModelEntities{PassengerCount: []byte(`null`), Date: " الجمعة "},
			want: Entities{Date: "الجمعة"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ModelResult{ExtractedEntities: tt.raw}.entities(lex))
		})
	}
}

func TestLLMFallbackBuildsPrompt(t *testing.T) {
	client := &captureClient{text: `{"intent":"search_flight","confidence":0.7}`}
	f := NewLLMFallback(client, "model-x")

	history := make([]Turn, 0, 8)
	for i := 0; i < 8; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		history = append(history, Turn{Role: role, Text: "turn"})
	}
	cctx := Context{
		PendingField: FieldPassengerCount,
		Draft:        Entities{FromCity: "عدن", ToCity: "القاهرة"},
		History:      history,
	}

	res, err := f.Classify(context.Background(), "3", Intent{Kind: KindGeneralInquiry}, cctx)
	require.NoError(t, err)
	assert.Equal(t, "search_flight", res.Intent)

	assert.Equal(t, "model-x", client.req.Model)
	require.Len(t, client.req.Messages, historyTurns+1)
	assert.Equal(t, llm.RoleAssistant, client.req.Messages[historyTurns-1].Role)
	last := client.req.Messages[historyTurns].Content
	assert.Contains(t, last, `"3"`)
	assert.Contains(t, last, "asked the customer for: passenger_count")
	assert.Contains(t, last, "from_city=عدن")
	assert.True(t, strings.Contains(client.req.System[0], "only a number"))
	assert.Contains(t, client.req.System[0], `the "The last reply asked the customer for:" line`)
	assert.NotContains(t, client.req.System[0], "passenger count question")
}

func TestLLMFallbackKeepsRolesAlternating(t *testing.T) {
	client := &captureClient{text: `{"intent":"general_inquiry","confidence":0.6}`}
	f := NewLLMFallback(client, "model-x")

	cctx := Context{History: []Turn{
		{Role: "assistant", Text: "welcome back"},
		{Role: "user", Text: "hi"},
		{Role: "user", Text: "anyone there?"},
		{Role: "assistant", Text: "how can I help"},
		{Role: "user", Text: "my ticket"},
	}}
	_, err := f.Classify(context.Background(), "please", Intent{Kind: KindGeneralInquiry}, cctx)
	require.NoError(t, err)

	msgs := client.req.Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi\nanyone there?", msgs[0].Content)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, llm.RoleUser, msgs[2].Role)
	assert.True(t, strings.HasPrefix(msgs[2].Content, "my ticket\n"))
	assert.Contains(t, msgs[2].Content, `"please"`)
	for i := 1; i < len(msgs); i++ {
		assert.NotEqual(t, msgs[i-1].Role, msgs[i].Role, "message %d repeats a role", i)
	}
}

func TestLLMFallbackPropagatesErrors(t *testing.T) {
	boom := errors.New("quota")
	f := NewLLMFallback(&captureClient{err: boom}, "")
	_, err := f.Classify(context.Background(), "x", Intent{}, Context{})
	assert.ErrorIs(t, err, boom)

	f = NewLLMFallback(&captureClient{text: "sorry"}, "")
	_, err = f.Classify(context.Background(), "x", Intent{}, Context{})
	assert.Error(t, err)
}
