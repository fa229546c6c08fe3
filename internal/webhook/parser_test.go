package webhook

import (
	"errors"
	"testing"

	"sheetsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser()
	require.NoError(t, err)
	return p
}

func TestParser_Challenge(t *testing.T) {
	p := newTestParser(t)

	note, err := p.Parse([]byte(`{"challenge":"abc","webhookId":"w1"}`))
	require.NoError(t, err)
	assert.Equal(t, KindChallenge, note.Kind)
	require.NotNil(t, note.Challenge)
	assert.Nil(t, note.Batch)
	assert.Equal(t, "abc", note.Challenge.Challenge)
	assert.Equal(t, models.ObjectID("w1"), note.Challenge.WebhookID)
}

func TestParser_ChallengeNumericWebhookID(t *testing.T) {
	p := newTestParser(t)

	note, err := p.Parse([]byte(`{"challenge":"d6f3","webhookId":3420564917036932}`))
	require.NoError(t, err)
	assert.Equal(t, KindChallenge, note.Kind)
	assert.Equal(t, "3420564917036932", note.Challenge.WebhookID.String())
}

func TestParser_Events(t *testing.T) {
	p := newTestParser(t)

	body := `{"webhookId":"w1","scope":"sheet","scopeObjectId":"S1","events":[
		{"objectType":"row","action":"updated","id":"R1","timestamp":"T1","userId":42},
		{"objectType":"sheet","action":"updated","id":77,"timestamp":"T2"}
	]}`
	note, err := p.Parse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, KindEvents, note.Kind)
	require.NotNil(t, note.Batch)
	assert.Nil(t, note.Challenge)
	assert.Equal(t, "S1", note.Batch.ScopeObjectID.String())
	require.Len(t, note.Batch.Events, 2)
	assert.Equal(t, "R1", note.Batch.Events[0].ID.String())
	assert.Equal(t, "77", note.Batch.Events[1].ID.String())
}

func TestParser_EmptyEventsIsValid(t *testing.T) {
	p := newTestParser(t)

	note, err := p.Parse([]byte(`{"webhookId":"w1","scope":"sheet","scopeObjectId":"S1","events":[]}`))
	require.NoError(t, err)
	assert.Equal(t, KindEvents, note.Kind)
	assert.Empty(t, note.Batch.Events)
}

func TestParser_Invalid(t *testing.T) {
	p := newTestParser(t)

	bodies := map[string]string{
		"not json":             `{"challenge":`,
		"neither shape":        `{"hello":"world"}`,
		"array":                `[]`,
		"challenge missing id": `{"challenge":"abc"}`,
		"empty challenge":      `{"challenge":"","webhookId":"w1"}`,
		"missing events":       `{"webhookId":"w1","scope":"sheet","scopeObjectId":"S1"}`,
		"bad object type":      `{"webhookId":"w1","scope":"sheet","scopeObjectId":"S1","events":[{"objectType":"cell","action":"updated","id":"1","timestamp":"T"}]}`,
		"bad action":           `{"webhookId":"w1","scope":"sheet","scopeObjectId":"S1","events":[{"objectType":"row","action":"moved","id":"1","timestamp":"T"}]}`,
		"missing timestamp":    `{"webhookId":"w1","scope":"sheet","scopeObjectId":"S1","events":[{"objectType":"row","action":"updated","id":"1"}]}`,
		"empty scope object":   `{"webhookId":"w1","scope":"sheet","scopeObjectId":"","events":[]}`,
		"events not an array":  `{"webhookId":"w1","scope":"sheet","scopeObjectId":"S1","events":{}}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			_, err := p.Parse([]byte(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidFormat), "got %v", err)
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "challenge", KindChallenge.String())
	assert.Equal(t, "events", KindEvents.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
