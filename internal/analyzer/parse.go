package analyzer

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/pkg/types"
)

// ExtractAnswer strips the reasoning wrappers models emit around the
// payload: <think> blocks, <answer> tags and surrounding whitespace.
func ExtractAnswer(text string) string {
	for {
		start := strings.Index(text, "<think>")
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], "</think>")
		if end < 0 {
			break
		}
		text = text[:start] + text[start+end+len("</think>"):]
	}
	text = strings.ReplaceAll(text, "<answer>", "")
	text = strings.ReplaceAll(text, "</answer>", "")
	return strings.TrimSpace(text)
}

// stripFences removes a markdown code fence around the payload.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseReply decodes a model reply into JSON. Strict parsing is tried
// first; on failure the text goes through lenient repair. The bool
// reports whether repair was needed.
func ParseReply(text string) (any, bool, error) {
	payload := stripFences(ExtractAnswer(text))

	var decoded any
	if err := json.Unmarshal([]byte(payload), &decoded); err == nil {
		return decoded, false, nil
	}

	repaired, err := jsonrepair.JSONRepair(payload)
	if err != nil {
		return nil, false, huberrors.NewAIParseError("Cannot parse AI response to JSON.")
	}
	if err := json.Unmarshal([]byte(repaired), &decoded); err != nil {
		return nil, false, huberrors.NewAIParseError("Cannot parse AI response to JSON.")
	}
	return decoded, true, nil
}

// Verdict is the decoded analysis reply.
type Verdict struct {
	// Document is the full decoded object. Nil on a discard verdict.
	Document types.Document
	// Discard marks a bare-identifier reply: the model judged the item
	// valueless.
	Discard bool
	// Repaired marks a reply that needed lenient JSON repair.
	Repaired bool
}

// DecodeVerdict parses an analysis reply and classifies it. The decoded
// object must be a JSON object carrying the item identifier; one without
// an event text is the discard verdict.
func DecodeVerdict(reply string) (Verdict, error) {
	decoded, repaired, err := ParseReply(reply)
	if err != nil {
		return Verdict{}, err
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return Verdict{Repaired: repaired}, huberrors.NewAIParseError("AI reply is not a JSON object")
	}
	doc := types.Document(obj)
	if doc.UUID() == "" {
		return Verdict{Repaired: repaired}, huberrors.NewAIParseError("AI reply carries no UUID")
	}
	if _, hasText := doc[types.FieldEventText]; !hasText {
		return Verdict{Discard: true, Repaired: repaired}, nil
	}
	return Verdict{Document: doc, Repaired: repaired}, nil
}
