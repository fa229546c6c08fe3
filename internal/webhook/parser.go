package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sheetsync/internal/models"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidFormat    = errors.New("invalid event format")
)

// Kind discriminates the two callback bodies the spreadsheet service sends.
type Kind int

const (
	KindChallenge Kind = iota + 1
	KindEvents
)

func (k Kind) String() string {
	switch k {
	case KindChallenge:
		return "challenge"
	case KindEvents:
		return "events"
	default:
		return "unknown"
	}
}

// Notification is a validated webhook body. Exactly one of Challenge or Batch
// is set, according to Kind.
type Notification struct {
	Kind      Kind
	Challenge *models.Challenge
	Batch     *models.ChangeBatch
}

const (
	challengeSchemaURL = "https://sheetsync.local/schemas/challenge.json"
	eventsSchemaURL    = "https://sheetsync.local/schemas/events.json"
)

const challengeSchema = `{
  "type": "object",
  "required": ["challenge", "webhookId"],
  "properties": {
    "challenge": {"type": "string", "minLength": 1},
    "webhookId": {"type": ["string", "integer"]}
  }
}`

const eventsSchema = `{
  "type": "object",
  "required": ["webhookId", "scope", "scopeObjectId", "events"],
  "properties": {
    "webhookId": {"type": ["string", "integer"]},
    "scope": {"type": "string"},
    "scopeObjectId": {"type": ["string", "integer"], "minLength": 1},
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["objectType", "action", "id", "timestamp"],
        "properties": {
          "objectType": {"enum": ["sheet", "row"]},
          "action": {"enum": ["created", "updated", "deleted"]},
          "id": {"type": ["string", "integer"]},
          "timestamp": {"type": "string"}
        }
      }
    }
  }
}`

// Parser validates webhook bodies against the challenge and event-batch
// schemas and returns a tagged Notification.
type Parser struct {
	challenge *jsonschema.Schema
	events    *jsonschema.Schema
}

func NewParser() (*Parser, error) {
	c := jsonschema.NewCompiler()
	for url, src := range map[string]string{
		challengeSchemaURL: challengeSchema,
		eventsSchemaURL:    eventsSchema,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("decode schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", url, err)
		}
	}

	challenge, err := c.Compile(challengeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile challenge schema: %w", err)
	}
	events, err := c.Compile(eventsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile events schema: %w", err)
	}
	return &Parser{challenge: challenge, events: events}, nil
}

// Parse classifies body as a challenge or an event batch. Any other shape
// yields an error wrapping ErrInvalidFormat.
func (p *Parser) Parse(body []byte) (Notification, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	if p.challenge.Validate(inst) == nil {
		var ch models.Challenge
		if err := json.Unmarshal(body, &ch); err != nil {
			return Notification{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		return Notification{Kind: KindChallenge, Challenge: &ch}, nil
	}

	if err := p.events.Validate(inst); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	var batch models.ChangeBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if batch.ScopeObjectID == "" {
		return Notification{}, fmt.Errorf("%w: empty scopeObjectId", ErrInvalidFormat)
	}
	return Notification{Kind: KindEvents, Batch: &batch}, nil
}
