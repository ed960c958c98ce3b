package bridge

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agentbridge/internal/domain"
)

// Wrapper framing for agent-to-agent delivery. The payload sits between
// BeginMarker and the final EndMarker line, so it may contain any text,
// including the markers themselves.
const (
	WrapperMarker = "#A2A-DELIVERY/1"
	BeginMarker   = "<<<A2A-BEGIN>>>"
	EndMarker     = "<<<A2A-END>>>"

	fromHeader = "FROM:"
	toHeader   = "TO:"
)

// EnvelopeSchema is the JSON Schema every inbound wire envelope must satisfy.
const EnvelopeSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "role": {"enum": ["user", "agent"]},
    "content": {
      "type": "object",
      "required": ["text"],
      "properties": {
        "type": {"enum": ["text"]},
        "text": {"type": "string"}
      }
    },
    "conversation_id": {"type": "string"},
    "parent_id": {"type": "string"},
    "message_id": {"type": "string"},
    "metadata": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  }
}`

var envelopeSchema = jsonschema.MustCompileString("envelope.json", EnvelopeSchema)

// ParseEnvelope validates raw against EnvelopeSchema and decodes it.
func ParseEnvelope(raw []byte) (domain.Envelope, error) {
	const op = "Codec.ParseEnvelope"
	var env domain.Envelope
	if len(strings.TrimSpace(string(raw))) == 0 {
		return env, domain.NewDomainError(op, domain.ErrMalformedEnvelope, "empty body")
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return env, domain.NewDomainError(op, domain.ErrMalformedEnvelope, err.Error())
	}
	if err := envelopeSchema.Validate(doc); err != nil {
		return env, domain.NewDomainError(op, domain.ErrMalformedEnvelope, "schema: "+err.Error())
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, domain.WrapOp(op, err)
	}
	return env, nil
}

// FormatExternal wraps text for delivery from one agent to another.
func FormatExternal(from, to, text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(from) + len(to) + 64)
	b.WriteString(WrapperMarker)
	b.WriteByte('\n')
	b.WriteString(fromHeader)
	b.WriteString(from)
	b.WriteByte('\n')
	b.WriteString(toHeader)
	b.WriteString(to)
	b.WriteByte('\n')
	b.WriteString(BeginMarker)
	b.WriteByte('\n')
	b.WriteString(text)
	b.WriteByte('\n')
	b.WriteString(EndMarker)
	return b.String()
}

// IsExternal reports whether text starts with the wrapper marker line.
func IsExternal(text string) bool {
	text = strings.TrimLeft(text, " \t\r\n")
	if !strings.HasPrefix(text, WrapperMarker) {
		return false
	}
	rest := text[len(WrapperMarker):]
	return rest == "" || rest[0] == '\n' || rest[0] == '\r'
}

// ParseExternal extracts sender, recipient and the verbatim payload from
// a wrapper produced by FormatExternal.
func ParseExternal(raw string) (from, to, text string, err error) {
	const op = "Codec.ParseExternal"
	malformed := func(detail string) (string, string, string, error) {
		return "", "", "", domain.NewDomainError(op, domain.ErrMalformedEnvelope, detail)
	}

	s := strings.TrimLeft(raw, " \t\r\n")
	if !IsExternal(s) {
		return malformed("missing wrapper marker")
	}
	s = strings.TrimRight(s, " \t\r\n")

	begin := strings.Index(s, "\n"+BeginMarker+"\n")
	if begin < 0 {
		if strings.HasSuffix(s, "\n"+BeginMarker) {
			return malformed("unterminated payload")
		}
		return malformed("missing begin marker")
	}

	headers := strings.Split(s[len(WrapperMarker):begin], "\n")
	for _, line := range headers {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, fromHeader) && from == "":
			from = strings.TrimSpace(line[len(fromHeader):])
		case strings.HasPrefix(line, toHeader) && to == "":
			to = strings.TrimSpace(line[len(toHeader):])
		}
	}
	if from == "" || to == "" {
		return malformed("missing FROM or TO header")
	}

	body := s[begin+len(BeginMarker)+2:]
	if body == EndMarker {
		return from, to, "", nil
	}
	if !strings.HasSuffix(body, "\n"+EndMarker) {
		return malformed("unterminated payload")
	}
	return from, to, body[:len(body)-len(EndMarker)-1], nil
}
