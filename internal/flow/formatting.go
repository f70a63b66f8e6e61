package flow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/BTreeMap/FrontDoor/internal/completion"
	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/registry"
)

const noneYet = "(none yet)"

// fieldQuestions lists every field with its question, for the first
// elicitation turn.
func fieldQuestions(reg *registry.Registry) string {
	var b strings.Builder
	for _, f := range reg.Fields() {
		fmt.Fprintf(&b, "- **%s**: %s\n", f.Label, f.Prompt)
	}
	return strings.TrimRight(b.String(), "\n")
}

// remainingFieldsText lists unsatisfied fields with their requirement,
// description, question, allowed values and extraction rule.
func remainingFieldsText(reg *registry.Registry, checker *completion.Checker, collected models.CollectedFields, unknown []string) string {
	missing := checker.MissingFields(collected, unknown)
	if len(missing) == 0 {
		return "(all fields collected)"
	}
	var b strings.Builder
	for _, name := range missing {
		f, ok := reg.FieldByName(name)
		if !ok {
			continue
		}
		tag := "optional"
		if f.Required {
			tag = "required"
		}
		fmt.Fprintf(&b, "- %s (%s): %s - %s", f.Name, tag, f.Description, f.Prompt)
		if len(f.EnumValues) > 0 {
			fmt.Fprintf(&b, " [options: %s]", strings.Join(f.EnumValues, ", "))
		}
		if f.ExtractionRule != "" {
			fmt.Fprintf(&b, " (%s)", f.ExtractionRule)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// collectedSummary renders valid values by field name for prompts. Fields
// the user declared unknown are listed as such.
func collectedSummary(reg *registry.Registry, collected models.CollectedFields, unknown []string) string {
	var lines []string
	for _, f := range reg.Fields() {
		v := collected[f.Name]
		switch {
		case registry.IsValidValue(v):
			lines = append(lines, fmt.Sprintf("- %s: %q", f.Name, v))
		case slices.Contains(unknown, f.Name):
			lines = append(lines, fmt.Sprintf("- %s: (user does not know)", f.Name))
		}
	}
	if len(lines) == 0 {
		return noneYet
	}
	return strings.Join(lines, "\n")
}

// collectedForUser renders valid values by label for the review summary.
func collectedForUser(reg *registry.Registry, collected models.CollectedFields) string {
	var lines []string
	for _, f := range reg.Fields() {
		if v := collected[f.Name]; registry.IsValidValue(v) {
			lines = append(lines, fmt.Sprintf("- **%s:** %s", f.Label, v))
		}
	}
	if len(lines) == 0 {
		return noneYet
	}
	return strings.Join(lines, "\n")
}

// teamCatalog describes every team for the matching prompt.
func teamCatalog(reg *registry.Registry) string {
	blocks := make([]string, 0, len(reg.Teams()))
	for _, t := range reg.Teams() {
		blocks = append(blocks, fmt.Sprintf("**Team ID:** %s\n**Name:** %s\n**Description:** %s\n**Common Keywords:** %s",
			t.ID, t.Name, t.Description, strings.Join(t.Keywords, ", ")))
	}
	return strings.Join(blocks, "\n---\n")
}

// section joins a prompt with titled dynamic blocks.
func section(base string, parts ...string) string {
	var b strings.Builder
	b.WriteString(base)
	for i := 0; i+1 < len(parts); i += 2 {
		fmt.Fprintf(&b, "\n\n**%s:**\n%s", parts[i], parts[i+1])
	}
	return b.String()
}
