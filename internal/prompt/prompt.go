// Package prompt composes the full prompt for a step invocation from the
// story, the step, prior-step notes, and the scratch files.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/strawboss/strawboss/internal/edits"
	"github.com/strawboss/strawboss/internal/steps"
	"github.com/strawboss/strawboss/internal/types"
)

// Builder renders step prompts through a structured template
type Builder struct {
	template *template.Template
}

// Context carries everything a step prompt is composed from
type Context struct {
	Story         *types.Story
	Step          *types.Step
	GlobalScratch string
	StoryScratch  string
}

// stepPromptTemplate assembles, in order: story context, kind-specific
// instructions, the (possibly edited) step description, notes from completed
// prior steps, both scratch files, and the workflow-editing footer for step
// kinds that allow it.
const stepPromptTemplate = `# Story: {{.Story.Title}}

**Story ID:** {{.Story.ID}}

**Description:**
{{.Description}}
{{if .Story.AcceptanceCriteria}}
**Acceptance Criteria:**
{{range .Story.AcceptanceCriteria -}}
- {{.}}
{{end -}}
{{end}}
{{- if .Instructions}}
---

{{.Instructions}}
{{end}}
{{- if .Step.Description}}
**Current step task:** {{.Step.Description}}
{{end}}
{{- if .PriorNotes}}
---

## Context from Prior Steps

{{range .PriorNotes -}}
### {{.Kind}} ({{.ID}})
{{.Notes}}

{{end}}
{{- end}}
{{- if .GlobalScratch}}
---

## Global Scratch (shared across stories)

{{.GlobalScratch}}
{{end}}
{{- if .StoryScratch}}
---

## Story Scratch ({{.Story.ID}})

{{.StoryScratch}}
{{end}}
{{- if .AllowsEditing}}
---

## Workflow Editing

To modify remaining steps, write a JSON file to ` + "`{{.EditFile}}`" + `.
Supported operations: add_after, split, skip, reorder, edit_description, restart.
See the step instructions above for when to use editing.
{{end}}`

// NewBuilder parses the step prompt template
func NewBuilder() (*Builder, error) {
	tmpl, err := template.New("step").Parse(stepPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	return &Builder{template: tmpl}, nil
}

type noteBlock struct {
	Kind  types.StepKind
	ID    string
	Notes string
}

// Build renders the prompt for the given context
func (b *Builder) Build(ctx *Context) (string, error) {
	if ctx == nil {
		return "", fmt.Errorf("prompt context cannot be nil")
	}
	if ctx.Story == nil {
		return "", fmt.Errorf("story cannot be nil in prompt context")
	}
	if ctx.Step == nil {
		return "", fmt.Errorf("step cannot be nil in prompt context")
	}

	description := ctx.Story.Description
	if description == "" {
		description = ctx.Story.Title
	}

	data := struct {
		Story         *types.Story
		Step          *types.Step
		Description   string
		Instructions  string
		PriorNotes    []noteBlock
		GlobalScratch string
		StoryScratch  string
		AllowsEditing bool
		EditFile      string
	}{
		Story:         ctx.Story,
		Step:          ctx.Step,
		Description:   description,
		Instructions:  Instructions(ctx.Step.Kind),
		PriorNotes:    collectPriorNotes(ctx.Story, ctx.Step),
		GlobalScratch: strings.TrimSpace(ctx.GlobalScratch),
		StoryScratch:  strings.TrimSpace(ctx.StoryScratch),
		AllowsEditing: steps.AllowsEditing(ctx.Step.Kind),
		EditFile:      edits.DirName + "/" + ctx.Story.ID + ".json",
	}

	var buf bytes.Buffer
	if err := b.template.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}

// collectPriorNotes gathers the notes of every completed step that precedes
// the current step in list order. The notes chain is the primary channel
// between steps.
func collectPriorNotes(story *types.Story, current *types.Step) []noteBlock {
	var blocks []noteBlock
	for _, s := range story.Steps {
		if s.ID == current.ID {
			break
		}
		if s.Status == types.StepCompleted && s.Notes != nil && *s.Notes != "" {
			blocks = append(blocks, noteBlock{Kind: s.Kind, ID: s.ID, Notes: *s.Notes})
		}
	}
	return blocks
}
