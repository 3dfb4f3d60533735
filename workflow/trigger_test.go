package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meridianlabs/repassist/conversation"
)

var testPhrases = []string{
	"let me take a look",
	"let me check",
	"i'll look into",
	"checking that for you",
}

func TestDetectMatchesLatestRepMessage(t *testing.T) {
	d := NewDetector(testPhrases)

	verdict := d.Detect([]conversation.Message{
		{Role: conversation.RoleCustomer, Content: "How do I reset my 401k password?"},
		{Role: conversation.RoleRepresentative, Content: "Let me check that for you."},
	})

	assert.True(t, verdict.Triggered)
	assert.Equal(t, "let me check", verdict.MatchedPhrase)
}

func TestDetectIsCaseInsensitive(t *testing.T) {
	d := NewDetector(testPhrases)

	verdict := d.Detect([]conversation.Message{
		{Role: conversation.RoleRepresentative, Content: "LET ME TAKE A LOOK at that"},
	})
	assert.True(t, verdict.Triggered)
}

func TestDetectIgnoresOlderRepMessages(t *testing.T) {
	d := NewDetector(testPhrases)

	// The match in the older rep message must not retrigger.
	verdict := d.Detect([]conversation.Message{
		{Role: conversation.RoleRepresentative, Content: "Let me check on that."},
		{Role: conversation.RoleCustomer, Content: "Thanks."},
		{Role: conversation.RoleRepresentative, Content: "You're welcome!"},
	})
	assert.False(t, verdict.Triggered)
}

func TestDetectIgnoresCustomerMessages(t *testing.T) {
	d := NewDetector(testPhrases)

	verdict := d.Detect([]conversation.Message{
		{Role: conversation.RoleCustomer, Content: "let me check my balance"},
	})
	assert.False(t, verdict.Triggered)
}

func TestDetectEmptyHistory(t *testing.T) {
	d := NewDetector(testPhrases)
	assert.False(t, d.Detect(nil).Triggered)
}

func TestDetectNoMatch(t *testing.T) {
	d := NewDetector(testPhrases)

	verdict := d.Detect([]conversation.Message{
		{Role: conversation.RoleRepresentative, Content: "Your balance is $500."},
	})
	assert.False(t, verdict.Triggered)
	assert.Empty(t, verdict.MatchedPhrase)
}

func TestSetPhrasesReplacesList(t *testing.T) {
	d := NewDetector(testPhrases)
	d.SetPhrases([]string{"hold on a sec"})

	messages := []conversation.Message{
		{Role: conversation.RoleRepresentative, Content: "Let me check that."},
	}
	assert.False(t, d.Detect(messages).Triggered)

	messages[0].Content = "Hold on a sec while I look."
	assert.True(t, d.Detect(messages).Triggered)
}

func TestSetPhrasesDropsBlanks(t *testing.T) {
	d := NewDetector([]string{"", "  ", "real phrase"})

	verdict := d.Detect([]conversation.Message{
		{Role: conversation.RoleRepresentative, Content: "anything at all"},
	})
	// Blank phrases would otherwise match every message.
	assert.False(t, verdict.Triggered)
}
