// Package analyzer drives the model side of the pipeline: it renders
// collected items into prompts, calls a leased AI client, archives the
// exchange and decodes the reply into an archive-shaped document.
package analyzer

import (
	"context"

	"intelligence-hub/internal/aiclient"
	"intelligence-hub/internal/conversation"
	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/internal/logging"
	"intelligence-hub/pkg/types"
)

// MaxOutputTokens caps every model reply. The tightest limit among the
// supported providers wins so one budget fits all of them.
const MaxOutputTokens = 8192

// Analysis is the usable result of one analysis exchange.
type Analysis struct {
	// Document is the decoded object. Nil when Discard is set.
	Document types.Document
	// Discard marks the model's no-value verdict.
	Discard bool
	// Repaired marks a reply that survived only via JSON repair.
	Repaired bool
	// RecordPath locates the transcript, "" when recording failed or is
	// disabled.
	RecordPath string
	// RecordFailed reports a transcript that never reached disk. The
	// exchange itself still counts.
	RecordFailed bool
	// Response is the raw client reply, kept so the caller can journal
	// usage when it releases the lease.
	Response *aiclient.Response
}

// Analyzer prompts clients and decodes their replies. Safe for
// concurrent use by the worker pool.
type Analyzer struct {
	prompt   string
	recorder *conversation.Recorder
	logger   logging.Logger
}

// New builds an analyzer around the analysis prompt. The recorder is
// optional; without one exchanges are not archived.
func New(prompt string, recorder *conversation.Recorder, logger logging.Logger) *Analyzer {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Analyzer{
		prompt:   prompt,
		recorder: recorder,
		logger:   logger.WithComponent("analyzer"),
	}
}

// Analyze runs one analysis exchange. Chat failures keep their retry
// classification; unparseable replies come back as transient errors so
// the caller's policy may buy a fresh attempt.
func (a *Analyzer) Analyze(ctx context.Context, client aiclient.Client, item types.CollectedItem) (*Analysis, error) {
	user := BuildUserMessage(item)
	resp, err := a.chat(ctx, client, a.prompt, user)
	if err != nil {
		return nil, err
	}

	verdict, parseErr := DecodeVerdict(resp.Content)
	path, recordFailed := a.record(ctx, conversation.Record{
		UUID:      item.UUID,
		Informant: item.Informant,
		Outcome:   exchangeOutcome(verdict.Repaired, parseErr),
		Model:     responseModel(resp, client),
		System:    a.prompt,
		User:      user,
		Reply:     resp.Content,
	})

	if parseErr != nil {
		a.logger.Error("AI analysis conversation fail",
			"uuid", item.UUID, "record", path, "error", parseErr)
		return nil, parseErr
	}
	if verdict.Repaired {
		a.logger.Warn("Json repaired.", "uuid", item.UUID, "record", path)
	}
	return &Analysis{
		Document:     verdict.Document,
		Discard:      verdict.Discard,
		Repaired:     verdict.Repaired,
		RecordPath:   path,
		RecordFailed: recordFailed,
		Response:     resp,
	}, nil
}

// Aggregate asks the model to relate fresh intelligence to recent
// history rendered as a markdown table. The reply is the raw decoded
// object; interpretation is the caller's.
func (a *Analyzer) Aggregate(ctx context.Context, client aiclient.Client, prompt string, fresh types.Document, history []types.Document) (types.Document, error) {
	user := "# new intelligence\n" +
		fresh.StringField(types.FieldEventTitle) + "\n\n" +
		fresh.StringField(types.FieldEventBrief) + "\n\n" +
		"# intelligence history\n" + MarkdownTable(history)

	resp, err := a.chat(ctx, client, prompt, user)
	if err != nil {
		return nil, err
	}

	decoded, repaired, parseErr := ParseReply(resp.Content)
	path, _ := a.record(ctx, conversation.Record{
		UUID:      fresh.UUID(),
		Informant: fresh.Informant(),
		Outcome:   exchangeOutcome(repaired, parseErr),
		Model:     responseModel(resp, client),
		System:    prompt,
		User:      user,
		Reply:     resp.Content,
	})
	if parseErr != nil {
		a.logger.Error("AI aggregate conversation fail",
			"uuid", fresh.UUID(), "record", path, "error", parseErr)
		return nil, parseErr
	}
	if repaired {
		a.logger.Warn("Json repaired.", "uuid", fresh.UUID(), "record", path)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, huberrors.NewAIParseError("AI reply is not a JSON object")
	}
	return types.Document(obj), nil
}

// Recommend asks the model to pick items from an archived-intelligence
// table and returns the chosen identifiers.
func (a *Analyzer) Recommend(ctx context.Context, client aiclient.Client, prompt string, items []types.Document) ([]string, error) {
	user := MarkdownTable(items)
	resp, err := a.chat(ctx, client, prompt, user)
	if err != nil {
		return nil, err
	}

	decoded, repaired, parseErr := ParseReply(resp.Content)
	path, _ := a.record(ctx, conversation.Record{
		UUID:    "recommendation",
		Outcome: exchangeOutcome(repaired, parseErr),
		Model:   responseModel(resp, client),
		System:  prompt,
		User:    user,
		Reply:   resp.Content,
	})
	if parseErr != nil {
		a.logger.Error("AI recommendation conversation fail",
			"record", path, "error", parseErr)
		return nil, parseErr
	}
	if repaired {
		a.logger.Warn("Json repaired.", "record", path)
	}

	list, ok := decoded.([]any)
	if !ok {
		return nil, huberrors.NewAIParseError("AI reply is not a JSON array")
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func (a *Analyzer) chat(ctx context.Context, client aiclient.Client, system, user string) (*aiclient.Response, error) {
	return client.Chat(ctx, aiclient.Request{
		Messages: []aiclient.Message{
			aiclient.SystemMessage(system),
			aiclient.UserMessage(user),
		},
		Temperature: 0,
		MaxTokens:   MaxOutputTokens,
	})
}

// record archives the exchange. Failures are logged and reported back,
// never propagated; a lost transcript must not cost the analysis.
func (a *Analyzer) record(ctx context.Context, rec conversation.Record) (string, bool) {
	if a.recorder == nil {
		return "", false
	}
	path, err := a.recorder.Record(ctx, rec)
	if err != nil {
		a.logger.Warn("Conversation not recorded", "uuid", rec.UUID, "error", err)
		return path, true
	}
	return path, false
}

func exchangeOutcome(repaired bool, parseErr error) string {
	switch {
	case parseErr != nil:
		return "error"
	case repaired:
		return "warning"
	default:
		return "success"
	}
}

func responseModel(resp *aiclient.Response, client aiclient.Client) string {
	if resp.Model != "" {
		return resp.Model
	}
	return client.Model()
}
