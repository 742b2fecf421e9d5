package config

import (
	"fmt"
	"os"
	"strings"
)

// PromptVars are the values a generator prompt template can reference as
// {{.Name}} placeholders.
type PromptVars struct {
	TicketID          string
	TicketTitle       string
	TicketDescription string
	PlanName          string
	Model             string
	BaseURL           string
	Dependencies      []string
}

// LoadPrompt returns the prompt template: the contents of PromptFile when
// set, else Prompt, else DefaultPrompt.
func (c *GeneratorConfig) LoadPrompt() (string, error) {
	switch {
	case c.PromptFile != "":
		content, err := os.ReadFile(c.PromptFile)
		if err != nil {
			return "", fmt.Errorf("load prompt file %q: %w", c.PromptFile, err)
		}
		return string(content), nil
	case c.Prompt != "":
		return c.Prompt, nil
	default:
		return DefaultPrompt, nil
	}
}

// ExpandPrompt substitutes vars into template in one pass, so a value that
// itself looks like a placeholder is left as is. Dependencies expand to a
// comma separated list, or "none".
func ExpandPrompt(template string, vars PromptVars) string {
	deps := "none"
	if len(vars.Dependencies) > 0 {
		deps = strings.Join(vars.Dependencies, ", ")
	}
	return strings.NewReplacer(
		"{{.TicketID}}", vars.TicketID,
		"{{.TicketTitle}}", vars.TicketTitle,
		"{{.TicketDescription}}", vars.TicketDescription,
		"{{.PlanName}}", vars.PlanName,
		"{{.Model}}", vars.Model,
		"{{.BaseURL}}", vars.BaseURL,
		"{{.Dependencies}}", deps,
	).Replace(template)
}
