package intent

import (
	"errors"
	"strings"
)

// ErrExtraction marks a failed or unusable completion. It never escapes the
// pipeline: callers switch to Fallback.
var ErrExtraction = errors.New("intent extraction failed")

// Topics recognised by the extractor. Anything else becomes TopicGeneral.
const (
	TopicFitness   = "fitness"
	TopicNutrition = "nutrition"
	TopicTraining  = "training"
	TopicRecovery  = "recovery"
	TopicLifestyle = "lifestyle"
	TopicGeneral   = "general"
)

// Tones recognised by the extractor. Anything else becomes ToneNeutral.
const (
	ToneNeutral    = "neutral"
	ToneExcited    = "excited"
	ToneFrustrated = "frustrated"
	ToneConfused   = "confused"
	ToneWorried    = "worried"
)

var (
	topics = []string{TopicFitness, TopicNutrition, TopicTraining, TopicRecovery, TopicLifestyle, TopicGeneral}
	tones  = []string{ToneNeutral, ToneExcited, ToneFrustrated, ToneConfused, ToneWorried}
)

// Analysis is the structured reading of one raw message. It is never stored;
// only the questions derived from it are.
type Analysis struct {
	Message   string   `json:"message" yaml:"message"`
	Questions []string `json:"questions" yaml:"questions"`
	Context   string   `json:"context" yaml:"context"`
	Topic     string   `json:"topic" yaml:"topic"`
	Tone      string   `json:"tone" yaml:"tone"`
	Tags      []string `json:"tags" yaml:"tags"`
}

// Result is either a parsed Analysis or the reason extraction failed.
type Result struct {
	Analysis Analysis
	Err      error
}

// OK reports whether the extraction produced a usable Analysis.
func (r Result) OK() bool { return r.Err == nil }

// Fallback is the deterministic reading used when extraction fails: a
// message containing '?' is one question, anything else is pure context.
func Fallback(message string) Analysis {
	a := Analysis{
		Message:   message,
		Questions: []string{},
		Topic:     TopicGeneral,
		Tone:      ToneNeutral,
		Tags:      []string{},
	}
	if strings.Contains(message, "?") {
		a.Questions = []string{message}
	} else {
		a.Context = message
	}
	return a
}

// NormalizeTopic maps v onto the topic taxonomy.
func NormalizeTopic(v string) string {
	return pick(v, topics, TopicGeneral)
}

// NormalizeTone maps v onto the tone taxonomy.
func NormalizeTone(v string) string {
	return pick(v, tones, ToneNeutral)
}

func pick(v string, allowed []string, fallback string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return fallback
}
