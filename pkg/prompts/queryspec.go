// Package prompts builds the text sent to the completion model. Prompts are
// assembled from introspected schema, never from user-supplied SQL.
package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/intellibi/analytics-engine/pkg/schema"
)

// TranslatorSystemPrompt constrains the model to the structured output the
// translator can parse.
const TranslatorSystemPrompt = `You are a query planner for an analytics engine. You translate analytics questions into a strict JSON query structure. You never write SQL.

Respond with EXACTLY ONE of these two JSON shapes and nothing else:

1. When the question can be answered from the schema:
{"query": {
  "table_name": "<table>",
  "columns": ["<col>", ...],
  "filters": [{"column": "<col>", "operator": "<op>", "value": <value>}, ...],
  "group_by": ["<col>", ...],
  "aggregations": {"<col>": ["<fn>", ...]},
  "sort_by": [{"column": "<col>", "ascending": <bool>}, ...],
  "limit": <int>,
  "time_column": "<col or empty>",
  "interval": "<hour|day|week|month|quarter|year or empty>",
  "start": "<RFC3339 or empty>",
  "end": "<RFC3339 or empty>"
}}

2. When the question is ambiguous or references columns not in the schema:
{"clarification": "<one short question asking the user to disambiguate>"}

Rules:
- operator is one of: eq, neq, gt, gte, lt, lte, in, not_in, like, between, is_null, is_not_null
- aggregation functions are: sum, avg, min, max, count, count_distinct
- use only tables and columns from the provided schema, with exact spelling
- set time_column and interval only when the question asks for a trend over time
- omit fields you do not need rather than inventing values
- never guess a column: if unsure, return a clarification`

// ConversationTurn is a prior exchange carried into the prompt for
// follow-up questions.
type ConversationTurn struct {
	Question string
	SpecJSON string
}

// Entities are values carried over from earlier turns in the session, used
// when a follow-up question omits them.
type Entities struct {
	Table      string
	TimeColumn string
	Start      string
	End        string
}

// BuildQuerySpecPrompt renders the user prompt: schema first, then
// conversation context, then the question. Explicit values in the question
// take precedence over carried context; the prompt says so.
func BuildQuerySpecPrompt(tables []*schema.TableSchema, entities Entities, turns []ConversationTurn, question string) string {
	var b strings.Builder

	b.WriteString("## Schema\n\n")
	for _, t := range tables {
		fmt.Fprintf(&b, "Table %s:\n", t.Table)
		for _, col := range t.Columns {
			fmt.Fprintf(&b, "  - %s (%s)\n", col.Name, col.Type)
		}
		b.WriteString("\n")
	}

	if len(turns) > 0 {
		b.WriteString("## Conversation so far\n\n")
		for _, turn := range turns {
			fmt.Fprintf(&b, "User asked: %s\n", turn.Question)
			if turn.SpecJSON != "" {
				fmt.Fprintf(&b, "Resolved to: %s\n", turn.SpecJSON)
			}
		}
		b.WriteString("\n")
	}

	if entities != (Entities{}) {
		b.WriteString("## Carried context\n\n")
		b.WriteString("Unless the question below says otherwise, assume:\n")
		if entities.Table != "" {
			fmt.Fprintf(&b, "  table: %s\n", entities.Table)
		}
		if entities.TimeColumn != "" {
			fmt.Fprintf(&b, "  time column: %s\n", entities.TimeColumn)
		}
		if entities.Start != "" && entities.End != "" {
			fmt.Fprintf(&b, "  time range: %s to %s\n", entities.Start, entities.End)
		}
		b.WriteString("Anything stated explicitly in the question overrides these.\n\n")
	}

	fmt.Fprintf(&b, "## Question\n\n%s\n", question)
	return b.String()
}

// SummarySystemPrompt constrains the result narrator.
const SummarySystemPrompt = `You summarize analytics query results in one or two plain sentences. State the key numbers. Do not speculate beyond the data shown. Respond with prose only, no JSON, no markdown.`

// BuildSummaryPrompt renders a result sample for the narration call. Rows
// beyond sampleLimit are elided; the model sees the true row count.
func BuildSummaryPrompt(question string, columns []string, rows []map[string]any, rowCount int) string {
	const sampleLimit = 20

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", question)
	fmt.Fprintf(&b, "Result: %d rows, columns %s\n", rowCount, strings.Join(columns, ", "))

	sample := rows
	if len(sample) > sampleLimit {
		sample = sample[:sampleLimit]
	}
	for _, row := range sample {
		encoded, err := json.Marshal(row)
		if err != nil {
			continue
		}
		b.Write(encoded)
		b.WriteString("\n")
	}
	if len(rows) > sampleLimit {
		fmt.Fprintf(&b, "... (%d more rows)\n", len(rows)-sampleLimit)
	}
	return b.String()
}
