package bridge

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge/internal/domain"
)

func TestFormatParseExternalRoundTrip(t *testing.T) {
	payloads := []string{
		"hello",
		"",
		"  leading and trailing spaces  ",
		"multi\nline\n\npayload\n",
		"FROM:evil\nTO:someone",
		"contains " + EndMarker + " inline",
		"line\n" + EndMarker + "\nafter end marker",
		"line\n" + BeginMarker + "\nnested begin",
		WrapperMarker + "\nFROM:x\nTO:y\n" + BeginMarker + "\ninner\n" + EndMarker,
		"windows\r\nline endings\r\n",
		"unicode: héllo wörld 你好",
	}

	for _, p := range payloads {
		raw := FormatExternal("agent_a", "agent_b", p)
		from, to, text, err := ParseExternal(raw)
		require.NoError(t, err, "payload %q", p)
		assert.Equal(t, "agent_a", from)
		assert.Equal(t, "agent_b", to)
		assert.Equal(t, p, text, "payload must survive verbatim")
	}
}

func TestParseExternalRandomPayloads(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []string{"a", " ", "\n", "\t", "<", ">", "#", ":", "FROM:", "TO:", BeginMarker, EndMarker, WrapperMarker, "é"}
	for i := 0; i < 500; i++ {
		var b strings.Builder
		n := rng.Intn(20)
		for j := 0; j < n; j++ {
			b.WriteString(alphabet[rng.Intn(len(alphabet))])
		}
		payload := b.String()
		_, _, text, err := ParseExternal(FormatExternal("a", "b", payload))
		require.NoError(t, err)
		require.Equal(t, payload, text)
	}
}

func TestParseExternalSurroundingWhitespace(t *testing.T) {
	raw := "\n  " + FormatExternal("a", "b", "hi") + "\n\n"
	_, _, text, err := ParseExternal(raw)
	require.NoError(t, err)
	assert.Equal(t, "hi", text)
}

func TestParseExternalMalformed(t *testing.T) {
	cases := map[string]string{
		"no marker":       "FROM:a\nTO:b\n" + BeginMarker + "\nx\n" + EndMarker,
		"no begin":        WrapperMarker + "\nFROM:a\nTO:b\nx\n" + EndMarker,
		"no end":          WrapperMarker + "\nFROM:a\nTO:b\n" + BeginMarker + "\nx",
		"begin only":      WrapperMarker + "\nFROM:a\nTO:b\n" + BeginMarker,
		"missing from":    WrapperMarker + "\nTO:b\n" + BeginMarker + "\nx\n" + EndMarker,
		"missing to":      WrapperMarker + "\nFROM:a\n" + BeginMarker + "\nx\n" + EndMarker,
		"empty from":      WrapperMarker + "\nFROM:\nTO:b\n" + BeginMarker + "\nx\n" + EndMarker,
		"marker prefixed": WrapperMarker + "X\nFROM:a\nTO:b\n" + BeginMarker + "\nx\n" + EndMarker,
		"plain text":      "hello there",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, _, err := ParseExternal(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrMalformedEnvelope)
		})
	}
}

func TestIsExternal(t *testing.T) {
	assert.True(t, IsExternal(FormatExternal("a", "b", "x")))
	assert.True(t, IsExternal("  "+WrapperMarker+"\n"))
	assert.False(t, IsExternal("@peer hello"))
	assert.False(t, IsExternal(WrapperMarker+"suffix"))
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"role":"user","content":{"type":"text","text":"hi"},"conversation_id":"c1"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", env.Text)
	assert.Equal(t, "c1", env.ConversationID)

	_, err = ParseEnvelope([]byte("   "))
	assert.ErrorIs(t, err, domain.ErrMalformedEnvelope)

	_, err = ParseEnvelope([]byte("{not json"))
	assert.ErrorIs(t, err, domain.ErrMalformedEnvelope)
}

func TestParseEnvelopeSchema(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"content":{"text":"hello"}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, env.Role, "missing role defaults to user")

	for name, raw := range map[string]string{
		"missing content": `{"role":"user","conversation_id":"c1"}`,
		"missing text":    `{"role":"user","content":{"type":"text"}}`,
		"unknown role":    `{"role":"robot","content":{"text":"x"}}`,
		"non-text type":   `{"content":{"type":"image","text":"x"}}`,
		"numeric text":    `{"content":{"text":42}}`,
		"bad metadata":    `{"content":{"text":"x"},"metadata":{"k":1}}`,
		"array body":      `[1,2]`,
	} {
		_, err := ParseEnvelope([]byte(raw))
		assert.ErrorIs(t, err, domain.ErrMalformedEnvelope, name)
	}
}
