package workflow

import (
	"strings"
	"sync"

	"github.com/meridianlabs/repassist/conversation"
)

// TriggerVerdict is the detector's output.
type TriggerVerdict struct {
	// Triggered is true when a phrase matched (or detection was forced).
	Triggered bool

	// MatchedPhrase is the phrase that matched, empty when forced or missed.
	MatchedPhrase string
}

// Detector matches trigger phrases against the latest representative
// message. Pure and side-effect-free; phrase updates are safe at runtime.
type Detector struct {
	mu      sync.RWMutex
	phrases []string
}

// NewDetector creates a detector over the given phrase list.
// Phrases are matched case-insensitively.
func NewDetector(phrases []string) *Detector {
	d := &Detector{}
	d.SetPhrases(phrases)
	return d
}

// SetPhrases replaces the phrase list. Used by config hot reload.
func (d *Detector) SetPhrases(phrases []string) {
	normalized := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			normalized = append(normalized, p)
		}
	}

	d.mu.Lock()
	d.phrases = normalized
	d.mu.Unlock()
}

// Detect scans only the most recent representative message. Retriggering on
// older matches would cause duplicate runs as the conversation grows.
func (d *Detector) Detect(messages []conversation.Message) TriggerVerdict {
	var latest *conversation.Message
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == conversation.RoleRepresentative {
			latest = &messages[i]
			break
		}
	}
	if latest == nil {
		return TriggerVerdict{}
	}

	content := strings.ToLower(latest.Content)

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, phrase := range d.phrases {
		if strings.Contains(content, phrase) {
			return TriggerVerdict{Triggered: true, MatchedPhrase: phrase}
		}
	}
	return TriggerVerdict{}
}
