package ai

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"motionforge/internal/models"
)

const exhibitTextMax = 20000

const systemPrompt = `You are a federal criminal defense research assistant drafting a First Step Act compassionate release filing under 18 U.S.C. § 3582(c)(1)(A).

Use the web_search tool to find recent case law and precedent from the defendant's district and circuit before drafting. Cite what you find.

Your final answer must contain exactly three documents, each wrapped in its delimiters:

===MOTION START===
(the motion, with the case caption)
===MOTION END===

===MEMO START===
(the memorandum of law: introduction, legal standard, argument, conclusion)
===MEMO END===

===DECL START===
(the declaration of the defendant under penalty of perjury)
===DECL END===

Separate paragraphs with a blank line. Do not write anything outside the delimiters.`

// BuildMessages renders the case file into the system and user prompt.
func BuildMessages(cf models.CaseFile) []*schema.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Defendant: %s\n", cf.Defendant.Name)
	fmt.Fprintf(&b, "Case: %s\n", cf.Defendant.CaseNumber)
	fmt.Fprintf(&b, "District: %s\n", cf.Defendant.District)
	for _, ex := range cf.Exhibits {
		text := strings.TrimSpace(ex.Text)
		if text == "" {
			text = "(no readable text)"
		}
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", exhibitTitle(ex.Label), truncateRunes(text, exhibitTextMax))
	}
	b.WriteString("\nResearch the applicable precedent, then generate the motion, memorandum and declaration.")

	return []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(b.String()),
	}
}

// exhibitTitle turns "exhibit_a" into "Exhibit A".
func exhibitTitle(label string) string {
	suffix, ok := strings.CutPrefix(label, "exhibit_")
	if !ok || suffix == "" {
		return label
	}
	return "Exhibit " + strings.ToUpper(suffix)
}
