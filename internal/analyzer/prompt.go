package analyzer

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"intelligence-hub/pkg/types"
)

// DefaultPrompt is the built-in analysis instruction. Deployments tune
// it through intelligence_hub.analysis.prompt_file.
const DefaultPrompt = `You are an intelligence analyst. Analyze the article in the user
message and answer with a single JSON object and nothing else.

When the article carries intelligence value, answer with:
{
  "UUID": "<the UUID from the metadata>",
  "EVENT_TITLE": "<concise event title>",
  "EVENT_BRIEF": "<one paragraph summary>",
  "EVENT_TEXT": "<the cleaned event description>",
  "LOCATIONS": ["<location>", ...],
  "PEOPLES": ["<person>", ...],
  "ORGANIZATIONS": ["<organization>", ...],
  "KEYWORDS": ["<keyword>", ...],
  "RATE": {"Importance": "<0-10>", "Credibility": "<0-10>", "Timeliness": "<0-10>"}
}

When the article has no intelligence value (advertising, boilerplate,
navigation fragments), answer with only its identifier:
{"UUID": "<the UUID from the metadata>"}`

// LoadPrompt reads a prompt override from disk, falling back to the
// built-in prompt when no path is configured.
func LoadPrompt(path string) (string, error) {
	if path == "" {
		return DefaultPrompt, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt file: %w", err)
	}
	prompt := strings.TrimSpace(string(raw))
	if prompt == "" {
		return "", fmt.Errorf("prompt file %s is empty", path)
	}
	return prompt, nil
}

// BuildUserMessage renders the item as the metadata block and content
// body the analysis prompt expects. Absent metadata lines are omitted.
func BuildUserMessage(item types.CollectedItem) string {
	var b strings.Builder
	b.WriteString("## metadata\n")
	b.WriteString("- UUID: ")
	b.WriteString(item.UUID)
	if item.Title != "" {
		b.WriteString("\n- title: ")
		b.WriteString(item.Title)
	}
	if len(item.Authors) > 0 {
		b.WriteString("\n- authors: ")
		b.WriteString(strings.Join(item.Authors, ", "))
	}
	if item.PubTime != "" {
		b.WriteString("\n- pub_time: ")
		b.WriteString(item.PubTime)
	}
	if item.Informant != "" {
		b.WriteString("\n- informant: ")
		b.WriteString(item.Informant)
	}
	b.WriteString("\n\n## content\n")
	b.WriteString(item.Content)
	return b.String()
}

// MarkdownTable renders documents as a markdown table for the prompt
// variants that feed history to the model. Columns are the sorted union
// of the row keys so the layout is stable across runs.
func MarkdownTable(rows []types.Document) string {
	if len(rows) == 0 {
		return ""
	}
	seen := map[string]bool{}
	var cols []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)

	var b strings.Builder
	b.WriteString("| ")
	b.WriteString(strings.Join(cols, " | "))
	b.WriteString(" |\n|")
	for range cols {
		b.WriteString(" --- |")
	}
	for _, row := range rows {
		b.WriteString("\n|")
		for _, col := range cols {
			b.WriteString(" ")
			b.WriteString(tableCell(row[col]))
			b.WriteString(" |")
		}
	}
	return b.String()
}

// tableCell flattens a value onto one table row.
func tableCell(v any) string {
	if v == nil {
		return ""
	}
	s := fmt.Sprintf("%v", v)
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}
