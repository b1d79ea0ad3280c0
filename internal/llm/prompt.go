package llm

import (
	"fmt"
	"strings"

	"casework-pipeline/internal/models"
)

const systemPrompt = `You triage email arriving at a UK Member of Parliament's constituency office.
Decide whether the email should open a new case, be added to one of the constituent's open cases, or be ignored.
Only use ids that appear in the lists you are given. Reply with JSON only.`

// maxBodyChars keeps long threads inside the model's context window.
const maxBodyChars = 4000

// BuildPrompt renders a triage context as chat messages.
func BuildPrompt(tc models.TriageContext) []Message {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\nSubject: %s\n\n", tc.Email.From, tc.Email.Subject)
	body := tc.Email.Body
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars]
	}
	b.WriteString(body)
	b.WriteString("\n\n")

	if tc.Constituent != nil {
		fmt.Fprintf(&b, "Matched constituent: %s <%s> (confidence %.2f)\n", tc.Constituent.Name, tc.Constituent.Email, tc.Constituent.Confidence)
	} else {
		b.WriteString("Matched constituent: none\n")
	}

	if len(tc.OpenCases) == 0 {
		b.WriteString("Open cases: none\n")
	} else {
		b.WriteString("Open cases (most recent first):\n")
		for _, c := range tc.OpenCases {
			if c.ExternalID == nil {
				continue
			}
			fmt.Fprintf(&b, "- case %d: %s (last activity %s)\n", c.ExternalID.Int64(), c.Summary, c.LastActivityAt.Format("2006-01-02"))
		}
	}

	for _, kind := range []models.ReferenceKind{models.RefCaseTypes, models.RefCategoryTypes} {
		items := tc.Reference[kind]
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:\n", strings.ReplaceAll(string(kind), "_", " "))
		for _, it := range items {
			fmt.Fprintf(&b, "- %d: %s\n", it.ExternalID.Int64(), it.Name)
		}
	}

	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}

func suggestionSchema() *Schema {
	return &Schema{
		Type: "object",
		Properties: map[string]SchemaProperty{
			"action":       {Type: "string", Enum: []string{string(models.ActionCreateNew), string(models.ActionAddToCase), string(models.ActionIgnore)}},
			"case_id":      {Type: "integer", Description: "Open case id when action is add_to_case"},
			"case_type_id": {Type: "integer", Description: "Case type id for a new case"},
			"category_id":  {Type: "integer", Description: "Category id for a new case"},
			"confidence":   {Type: "number", Description: "Between 0 and 1"},
			"urgency":      {Type: "string", Enum: []string{string(models.UrgencyLow), string(models.UrgencyNormal), string(models.UrgencyHigh)}},
			"reason":       {Type: "string", Description: "One sentence for the caseworker"},
		},
		Required: []string{"action", "confidence", "urgency"},
	}
}
