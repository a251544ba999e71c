package notes

import (
	"context"
	"fmt"
	"strings"
)

// Sections per template. Unknown templates use soap.
var templates = map[string][]string{
	"soap":     {"Subjective", "Objective", "Assessment", "Plan"},
	"hp":       {"Chief Complaint", "History of Present Illness", "Review of Systems", "Assessment", "Plan"},
	"progress": {"Interval History", "Assessment", "Plan"},
}

// TemplateGenerator lays the transcript out under the template's headings.
// It needs no network access and is the default generator.
type TemplateGenerator struct{}

// Generate implements Generator.
func (TemplateGenerator) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sections, ok := templates[req.TemplateID]
	if !ok {
		sections = templates["soap"]
	}

	var b strings.Builder
	for i, heading := range sections {
		fmt.Fprintf(&b, "## %s\n", heading)
		if i == 0 {
			for _, line := range strings.Split(strings.TrimSpace(req.Transcript), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					fmt.Fprintf(&b, "- %s\n", line)
				}
			}
		}
		if i == len(sections)-1 && strings.TrimSpace(req.ProviderNotes) != "" {
			fmt.Fprintf(&b, "%s\n", strings.TrimSpace(req.ProviderNotes))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}
