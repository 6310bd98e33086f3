package analyzer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intelligence-hub/internal/aiclient"
	"intelligence-hub/internal/conversation"
	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/internal/logging"
	"intelligence-hub/pkg/types"
)

// fakeClient answers every chat with a canned reply.
type fakeClient struct {
	reply string
	err   error
	last  aiclient.Request
	calls int
}

func (f *fakeClient) Chat(_ context.Context, req aiclient.Request) (*aiclient.Response, error) {
	f.last = req
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &aiclient.Response{Content: f.reply, Model: "served-model"}, nil
}

func (f *fakeClient) Name() string                { return "fake" }
func (f *fakeClient) Model() string               { return "fake-model" }
func (f *fakeClient) BaseURL() string             { return "http://fake" }
func (f *fakeClient) Priority() aiclient.Priority { return aiclient.PriorityNormal }
func (f *fakeClient) Group() string               { return "fake group" }
func (f *fakeClient) Available() bool             { return true }
func (f *fakeClient) UpdateBalance(float64)       {}
func (f *fakeClient) Balance() float64            { return 0 }

func (f *fakeClient) CheckBalance(context.Context) (float64, error) {
	return 0, aiclient.ErrNoBalanceProbe
}
func (f *fakeClient) InFlight() int { return 0 }
func (f *fakeClient) BeginLease()   {}
func (f *fakeClient) EndLease()     {}

func testItem() types.CollectedItem {
	return types.CollectedItem{
		UUID:      "item-uuid-1",
		Title:     "Port congestion worsens",
		Authors:   []string{"A. Writer", "B. Editor"},
		Content:   "Ships are queuing outside the port.",
		PubTime:   "2026-03-01 10:00:00",
		Informant: "https://news.example/1",
	}
}

func newTestAnalyzer(t *testing.T) (*Analyzer, *conversation.Recorder) {
	t.Helper()
	rec, err := conversation.NewRecorder(filepath.Join(t.TempDir(), "conv"), logging.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })
	return New(DefaultPrompt, rec, logging.NewNoOpLogger()), rec
}

const fullReply = `{"UUID": "model-uuid", "EVENT_TITLE": "Congestion", "EVENT_BRIEF": "Queues grow.", "EVENT_TEXT": "Ships are queuing.", "RATE": {"Importance": "7"}}`

func TestBuildUserMessage(t *testing.T) {
	got := BuildUserMessage(testItem())
	want := "## metadata\n" +
		"- UUID: item-uuid-1\n" +
		"- title: Port congestion worsens\n" +
		"- authors: A. Writer, B. Editor\n" +
		"- pub_time: 2026-03-01 10:00:00\n" +
		"- informant: https://news.example/1\n" +
		"\n## content\nShips are queuing outside the port."
	assert.Equal(t, want, got)
}

func TestBuildUserMessageMinimal(t *testing.T) {
	got := BuildUserMessage(types.CollectedItem{UUID: "u", Content: "body"})
	assert.Equal(t, "## metadata\n- UUID: u\n\n## content\nbody", got)
}

func TestExtractAnswer(t *testing.T) {
	in := "<think>first thought</think>Hello <think>second</think>world"
	assert.Equal(t, "Hello world", ExtractAnswer(in))

	in = "<answer>{\"a\": 1}</answer>"
	assert.Equal(t, `{"a": 1}`, ExtractAnswer(in))

	in = "  plain  "
	assert.Equal(t, "plain", ExtractAnswer(in))

	// Unclosed block stays put rather than eating the payload.
	in = "<think>open forever {\"a\": 1}"
	assert.Equal(t, "<think>open forever {\"a\": 1}", ExtractAnswer(in))
}

func TestParseReplyStrict(t *testing.T) {
	decoded, repaired, err := ParseReply("```json\n" + fullReply + "\n```")
	require.NoError(t, err)
	assert.False(t, repaired)
	obj, ok := decoded.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "model-uuid", obj["UUID"])
}

func TestParseReplyRepaired(t *testing.T) {
	decoded, repaired, err := ParseReply(`{"UUID": "x", "EVENT_TEXT": "t",}`)
	require.NoError(t, err)
	assert.True(t, repaired)
	obj, ok := decoded.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "x", obj["UUID"])
}

func TestDecodeVerdict(t *testing.T) {
	v, err := DecodeVerdict(fullReply)
	require.NoError(t, err)
	assert.False(t, v.Discard)
	require.NotNil(t, v.Document)
	assert.Equal(t, "model-uuid", v.Document.UUID())

	v, err = DecodeVerdict(`{"UUID": "b"}`)
	require.NoError(t, err)
	assert.True(t, v.Discard)
	assert.Nil(t, v.Document)

	_, err = DecodeVerdict(`{"EVENT_TEXT": "no id"}`)
	require.Error(t, err)
	assert.Equal(t, "PARSE", huberrors.APIErrorCode(err))

	_, err = DecodeVerdict(`"just a string"`)
	require.Error(t, err)
	assert.Equal(t, "PARSE", huberrors.APIErrorCode(err))
}

func TestAnalyzeHappyPath(t *testing.T) {
	a, rec := newTestAnalyzer(t)
	client := &fakeClient{reply: "<think>reasoning</think>```json\n" + fullReply + "\n```"}

	res, err := a.Analyze(context.Background(), client, testItem())
	require.NoError(t, err)
	assert.False(t, res.Discard)
	assert.False(t, res.Repaired)
	assert.False(t, res.RecordFailed)
	require.NotNil(t, res.Document)
	assert.Equal(t, "model-uuid", res.Document.UUID())
	assert.Equal(t, "Ships are queuing.", res.Document.StringField(types.FieldEventText))

	require.Len(t, client.last.Messages, 2)
	assert.Equal(t, aiclient.RoleSystem, client.last.Messages[0].Role)
	assert.Equal(t, aiclient.RoleUser, client.last.Messages[1].Role)
	assert.Contains(t, client.last.Messages[1].Content, "## content")
	assert.Equal(t, float64(0), client.last.Temperature)
	assert.Equal(t, int64(MaxOutputTokens), client.last.MaxTokens)

	require.NotEmpty(t, res.RecordPath)
	body, err := os.ReadFile(filepath.Join(rec.Dir(), res.RecordPath))
	require.NoError(t, err)
	assert.Contains(t, string(body), "[reply]")
	assert.Contains(t, string(body), "<think>reasoning</think>")

	rows, err := rec.Lookup(context.Background(), "item-uuid-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "success", rows[0].Outcome)
	assert.Equal(t, "served-model", rows[0].Model)
	assert.Equal(t, "https://news.example/1", rows[0].Informant)
}

func TestAnalyzeDiscardVerdict(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	client := &fakeClient{reply: `{"UUID": "item-uuid-1"}`}

	res, err := a.Analyze(context.Background(), client, testItem())
	require.NoError(t, err)
	assert.True(t, res.Discard)
	assert.Nil(t, res.Document)
}

func TestAnalyzeRepairedReply(t *testing.T) {
	a, rec := newTestAnalyzer(t)
	client := &fakeClient{reply: `{"UUID": "x", "EVENT_TEXT": "t",}`}

	res, err := a.Analyze(context.Background(), client, testItem())
	require.NoError(t, err)
	assert.True(t, res.Repaired)

	rows, err := rec.Lookup(context.Background(), "item-uuid-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "warning", rows[0].Outcome)
}

func TestAnalyzeUnusableReply(t *testing.T) {
	a, rec := newTestAnalyzer(t)
	client := &fakeClient{reply: `"no object here"`}

	_, err := a.Analyze(context.Background(), client, testItem())
	require.Error(t, err)
	aiErr, ok := huberrors.AsAIError(err)
	require.True(t, ok)
	assert.True(t, aiErr.Retryable(), "parse failures must stay retryable")

	rows, err := rec.Lookup(context.Background(), "item-uuid-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "error", rows[0].Outcome)
}

func TestAnalyzeChatErrorSkipsRecording(t *testing.T) {
	a, rec := newTestAnalyzer(t)
	chatErr := huberrors.NewAIHTTPError(500, "boom", nil)
	client := &fakeClient{err: chatErr}

	_, err := a.Analyze(context.Background(), client, testItem())
	require.Error(t, err)
	assert.ErrorIs(t, err, chatErr)

	rows, err := rec.Lookup(context.Background(), "item-uuid-1")
	require.NoError(t, err)
	assert.Empty(t, rows, "calls that never answered leave no transcript")
}

func TestAnalyzeWithoutRecorder(t *testing.T) {
	a := New(DefaultPrompt, nil, logging.NewNoOpLogger())
	client := &fakeClient{reply: fullReply}

	res, err := a.Analyze(context.Background(), client, testItem())
	require.NoError(t, err)
	assert.Empty(t, res.RecordPath)
	assert.False(t, res.RecordFailed)
}

func TestAggregate(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	client := &fakeClient{reply: `{"parent-uuid": 3}`}

	fresh := types.Document{
		types.FieldUUID:       "fresh-1",
		types.FieldEventTitle: "New event",
		types.FieldEventBrief: "Something happened.",
	}
	history := []types.Document{
		{types.FieldUUID: "old-1", types.FieldEventTitle: "Old event"},
	}

	got, err := a.Aggregate(context.Background(), client, "relate these", fresh, history)
	require.NoError(t, err)
	assert.Equal(t, float64(3), got["parent-uuid"])

	user := client.last.Messages[1].Content
	assert.Contains(t, user, "# new intelligence")
	assert.Contains(t, user, "New event")
	assert.Contains(t, user, "# intelligence history")
	assert.Contains(t, user, "| Old event |")
}

func TestRecommend(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	client := &fakeClient{reply: `["uuid-1", "uuid-2"]`}

	items := []types.Document{{types.FieldUUID: "uuid-1"}, {types.FieldUUID: "uuid-2"}}
	got, err := a.Recommend(context.Background(), client, "pick the best", items)
	require.NoError(t, err)
	assert.Equal(t, []string{"uuid-1", "uuid-2"}, got)

	client.reply = `{"not": "a list"}`
	_, err = a.Recommend(context.Background(), client, "pick the best", items)
	require.Error(t, err)
	assert.Equal(t, "PARSE", huberrors.APIErrorCode(err))
}

func TestMarkdownTable(t *testing.T) {
	rows := []types.Document{
		{"B": "two|pipes", "A": 1},
		{"A": "after\nnewline", "C": nil},
	}
	got := MarkdownTable(rows)
	lines := strings.Split(got, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "| A | B | C |", lines[0])
	assert.Equal(t, "| --- | --- | --- |", lines[1])
	assert.Equal(t, `| 1 | two\|pipes |  |`, lines[2])
	assert.Equal(t, "| after newline |  |  |", lines[3])

	assert.Empty(t, MarkdownTable(nil))
}

func TestLoadPrompt(t *testing.T) {
	got, err := LoadPrompt("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPrompt, got)

	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("  custom prompt\n"), 0o644))
	got, err = LoadPrompt(path)
	require.NoError(t, err)
	assert.Equal(t, "custom prompt", got)

	_, err = LoadPrompt(filepath.Join(t.TempDir(), "absent.txt"))
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o644))
	_, err = LoadPrompt(empty)
	assert.Error(t, err)
}

func TestChatErrorKeepsClassification(t *testing.T) {
	a := New(DefaultPrompt, nil, logging.NewNoOpLogger())
	client := &fakeClient{err: errors.New("plain failure")}

	_, err := a.Analyze(context.Background(), client, testItem())
	require.Error(t, err)
	assert.Equal(t, "", huberrors.APIErrorCode(err))
}
