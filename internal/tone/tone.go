// Package tone classifies a speaker's speech register from accumulated
// transcript text and renders register instructions for the translation
// backends.
//
// Detection is a single cheap LLM classification over the most recent
// transcript window. The reply is snapped onto the nearest known label so
// that chatty models ("Formal.", "casual polite") still resolve; anything
// farther than two edits from every label is rejected and the register
// stays unset.
package tone

import (
	"context"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/sublexa/sublexa/pkg/llm"
	"github.com/sublexa/sublexa/pkg/translate"
)

// TriggerWords is the confirmed-word threshold at which a session dispatches
// its one detection per speaker. Shorter transcripts misclassify badly;
// longer ones just delay register-correct output.
const TriggerWords = 30

// windowWords caps the transcript slice sent to the classifier.
const windowWords = 100

// maxLabelDistance is the Levenshtein budget when snapping a model reply
// onto a known label.
const maxLabelDistance = 2

const detectPrompt = `Analyze this transcript from a live stream/video and determine the speaker's tone and register.

TRANSCRIPT:
%s

Choose exactly ONE of these speech register levels that would best match the speaker's tone:

1. casual (friends talking, gaming streams, very relaxed)
   Use when: slang, filler words, addressing chat directly, cursing, incomplete sentences

2. casual_polite (friendly but polite, most YouTube content)
   Use when: conversational but structured, educational but approachable

3. formal (news, lectures, business presentations)
   Use when: professional vocabulary, structured speech, formal setting

4. narrative (documentaries, storytelling, essays)
   Use when: descriptive, third person, explaining concepts with authority

5. generic (none of the above fits cleanly)
   Use when: mixed registers, or too little signal to commit to one level

Respond with ONLY the tone name (casual, casual_polite, formal, narrative, or generic). Nothing else.`

// labels are the concrete registers the classifier may return.
var labels = []translate.Tone{
	translate.ToneCasual,
	translate.ToneCasualPolite,
	translate.ToneFormal,
	translate.ToneNarrative,
	translate.ToneGeneric,
}

// koreanInstructions map registers onto Korean speech levels. Korean verb
// endings encode the register directly, so the examples matter more than
// the description.
var koreanInstructions = map[translate.Tone]string{
	translate.ToneCasual: "Use casual Korean (해체/반말). Examples: ~해, ~했어, ~할게, ~인데, ~거든, ~잖아, ~임, ~ㅋㅋ. " +
		"Sound natural like talking to friends or streaming. No formal endings.",
	translate.ToneCasualPolite: "Use casual polite Korean (해요체). Examples: ~해요, ~했어요, ~할 거예요, ~이에요. " +
		"Friendly but polite tone.",
	translate.ToneFormal: "Use formal polite Korean (합니다체). Examples: ~합니다, ~했습니다, ~하겠습니다. " +
		"Maintain professional, respectful tone throughout.",
	translate.ToneNarrative: "Use written/narrative Korean (하다체). Examples: ~한다, ~했다, ~할 것이다, ~이다. " +
		"Maintain a descriptive, storytelling tone.",
}

var japaneseInstructions = map[translate.Tone]string{
	translate.ToneCasual:       "Use casual Japanese (タメ口). Examples: ~だ, ~だよ, ~じゃん, ~っけ. Sound natural and relaxed.",
	translate.ToneCasualPolite: "Use polite Japanese (です/ます体). Examples: ~です, ~ました, ~でしょう. Friendly but polite.",
	translate.ToneFormal:       "Use formal Japanese (敬語). Examples: ~でございます, ~いたします. Maintain professional, respectful tone.",
	translate.ToneNarrative:    "Use written/narrative Japanese (だ/である体). Examples: ~である, ~した, ~のだ. Descriptive, storytelling tone.",
}

var genericInstructions = map[translate.Tone]string{
	translate.ToneCasual:       "Use casual, relaxed language. Sound natural like talking to friends. Use informal expressions and contractions.",
	translate.ToneCasualPolite: "Use a friendly but polite tone. Conversational yet structured.",
	translate.ToneFormal:       "Use formal, professional language. Maintain a respectful and structured tone throughout.",
	translate.ToneNarrative:    "Use a written, narrative style. Descriptive and authoritative, like a documentary or essay.",
}

// genericRegister is the instruction for the generic label in every target
// language: the classifier saw mixed signals, so the translator should
// follow the source instead of pinning a level.
const genericRegister = "Match the speaker's register and level of formality."

// Detector runs the one-shot register classification.
type Detector struct {
	provider llm.Provider
}

// New creates a Detector backed by provider.
func New(provider llm.Provider) *Detector {
	return &Detector{provider: provider}
}

// Detect classifies the speaker's register from transcript. Only the most
// recent windowWords words are sent. Greedy decoding (temperature 0) keeps
// the classification reproducible.
func (d *Detector) Detect(ctx context.Context, transcript string) (translate.Tone, error) {
	words := strings.Fields(transcript)
	if len(words) > windowWords {
		words = words[len(words)-windowWords:]
	}
	reply, err := d.provider.Complete(ctx, llm.Request{
		Prompt:      fmt.Sprintf(detectPrompt, strings.Join(words, " ")),
		Temperature: 0,
		MaxTokens:   10,
	})
	if err != nil {
		return translate.ToneUnset, fmt.Errorf("tone: detect: %w", err)
	}
	label, ok := Normalize(reply)
	if !ok {
		return translate.ToneUnset, fmt.Errorf("tone: unrecognized label %q", strings.TrimSpace(reply))
	}
	return label, nil
}

// Normalize snaps a raw model reply onto the nearest known label by
// Levenshtein distance. Returns (ToneUnset, false) when the reply is farther
// than maxLabelDistance edits from every label.
func Normalize(reply string) (translate.Tone, bool) {
	cleaned := strings.ToLower(strings.TrimSpace(reply))
	cleaned = strings.Trim(cleaned, ".\"'` ")
	if cleaned == "" {
		return translate.ToneUnset, false
	}

	best := translate.ToneUnset
	bestDist := maxLabelDistance + 1
	for _, label := range labels {
		if d := matchr.Levenshtein(cleaned, string(label)); d < bestDist {
			best, bestDist = label, d
		}
	}
	if best == translate.ToneUnset {
		return translate.ToneUnset, false
	}
	return best, true
}

// Instruction renders the register instruction for a detected tone in the
// given target language. Korean and Japanese have codified speech levels
// with their own tables; every other language gets generic guidance.
// Returns "" for ToneUnset so callers can pass the result straight into a
// translation request.
func Instruction(t translate.Tone, targetLang string) string {
	switch t {
	case translate.ToneUnset:
		return ""
	case translate.ToneGeneric:
		return genericRegister
	}
	switch baseLang(targetLang) {
	case "ko":
		return koreanInstructions[t]
	case "ja":
		return japaneseInstructions[t]
	default:
		return genericInstructions[t]
	}
}

// baseLang strips a region subtag: "ko-KR" → "ko".
func baseLang(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexByte(code, '-'); i > 0 {
		return code[:i]
	}
	return code
}
