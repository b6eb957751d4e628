// Package manifest parses PRD files into workflow stories. Two formats are
// accepted: the rich format ({project, branchName, description, userStories})
// with strict validation, and the flat format (a bare story array, or an
// object with a "stories" key) with lenient validation. Files may be YAML or
// JSON, chosen by extension.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/strawboss/strawboss/internal/types"
)

var (
	storyIDPattern = regexp.MustCompile(`^US-\d{3}$`)
	branchPattern  = regexp.MustCompile(`^strawboss/[a-z0-9]+(-[a-z0-9]+)*$`)
)

// UserStory is a story entry in the rich PRD format
type UserStory struct {
	ID                 string   `json:"id" yaml:"id"`
	Title              string   `json:"title" yaml:"title"`
	Description        string   `json:"description" yaml:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria" yaml:"acceptanceCriteria"`
	Priority           int      `json:"priority" yaml:"priority"`
	Passes             bool     `json:"passes" yaml:"passes"`
	Notes              string   `json:"notes" yaml:"notes"`
	DependsOn          []string `json:"depends_on" yaml:"depends_on"`
}

// PRD is the rich manifest format
type PRD struct {
	Project     string      `json:"project" yaml:"project"`
	BranchName  string      `json:"branchName" yaml:"branchName"`
	Description string      `json:"description" yaml:"description"`
	UserStories []UserStory `json:"userStories" yaml:"userStories"`
}

// Validate checks the rich-format constraints: branch naming, US-NNN story
// IDs sequential from US-001, priority matching position, non-empty
// acceptance criteria. All violations are collected and joined so the user
// sees everything wrong in one pass.
func (p *PRD) Validate() error {
	var violations []string

	if !branchPattern.MatchString(p.BranchName) {
		violations = append(violations, fmt.Sprintf("branchName: must match \"strawboss/kebab-case\", got %q", p.BranchName))
	}
	if len(p.UserStories) == 0 {
		violations = append(violations, "userStories: must not be empty")
	}

	seen := make(map[string]bool)
	for i, story := range p.UserStories {
		if !storyIDPattern.MatchString(story.ID) {
			violations = append(violations, fmt.Sprintf("userStories[%d].id: must match \"US-NNN\" format, got %q", i, story.ID))
		} else {
			expected := fmt.Sprintf("US-%03d", i+1)
			if story.ID != expected {
				violations = append(violations, fmt.Sprintf("userStories[%d].id: expected %q, got %q", i, expected, story.ID))
			}
		}
		if seen[story.ID] {
			violations = append(violations, fmt.Sprintf("userStories[%d].id: duplicate %q", i, story.ID))
		}
		seen[story.ID] = true

		if len(story.AcceptanceCriteria) == 0 {
			violations = append(violations, fmt.Sprintf("userStories[%d].acceptanceCriteria: must not be empty", i))
		}
		if story.Priority != i+1 {
			violations = append(violations, fmt.Sprintf("userStories[%d].priority: expected %d, got %d", i, i+1, story.Priority))
		}
	}

	if len(violations) > 0 {
		return fmt.Errorf("%s", strings.Join(violations, "; "))
	}
	return nil
}

// flatStory is a lenient story entry from the flat format. Acceptance
// criteria are accepted under either the camelCase or snake_case key.
type flatStory struct {
	ID                      string   `json:"id" yaml:"id"`
	Title                   string   `json:"title" yaml:"title"`
	Description             string   `json:"description" yaml:"description"`
	AcceptanceCriteria      []string `json:"acceptanceCriteria" yaml:"acceptanceCriteria"`
	AcceptanceCriteriaSnake []string `json:"acceptance_criteria" yaml:"acceptance_criteria"`
	Passes                  bool     `json:"passes" yaml:"passes"`
	Notes                   string   `json:"notes" yaml:"notes"`
	DependsOn               []string `json:"depends_on" yaml:"depends_on"`
}

func (f *flatStory) criteria() []string {
	if len(f.AcceptanceCriteria) > 0 {
		return f.AcceptanceCriteria
	}
	return f.AcceptanceCriteriaSnake
}

// envelope covers both object-shaped manifest formats
type envelope struct {
	Project     string      `json:"project" yaml:"project"`
	BranchName  string      `json:"branchName" yaml:"branchName"`
	Description string      `json:"description" yaml:"description"`
	UserStories []UserStory `json:"userStories" yaml:"userStories"`
	Stories     []flatStory `json:"stories" yaml:"stories"`
}

// Document is a parsed manifest normalized to workflow stories in manifest
// order. Project and BranchName are empty for flat-format manifests.
type Document struct {
	Project    string
	BranchName string
	Stories    []*types.Story
}

// Load reads and parses a manifest file. Files ending in .json are parsed as
// JSON; everything else as YAML.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PRD %s: %w", path, err)
	}

	var doc *Document
	if strings.EqualFold(filepath.Ext(path), ".json") {
		doc, err = ParseJSON(data)
	} else {
		doc, err = ParseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid PRD %s: %w", path, err)
	}
	return doc, nil
}

// ParseJSON parses a JSON manifest in either format
func ParseJSON(data []byte) (*Document, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var flat []flatStory
		if err := json.Unmarshal(data, &flat); err != nil {
			return nil, fmt.Errorf("failed to parse story array: %w", err)
		}
		return fromFlat(flat)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return fromEnvelope(&env)
}

// ParseYAML parses a YAML manifest in either format
func ParseYAML(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("empty manifest")
	}

	top := root.Content[0]
	switch top.Kind {
	case yaml.SequenceNode:
		var flat []flatStory
		if err := top.Decode(&flat); err != nil {
			return nil, fmt.Errorf("failed to parse story array: %w", err)
		}
		return fromFlat(flat)
	case yaml.MappingNode:
		var env envelope
		if err := top.Decode(&env); err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
		return fromEnvelope(&env)
	default:
		return nil, fmt.Errorf("unrecognized PRD format: expected a story array or an object with a \"userStories\" or \"stories\" key")
	}
}

func fromEnvelope(env *envelope) (*Document, error) {
	switch {
	case env.UserStories != nil:
		prd := &PRD{
			Project:     env.Project,
			BranchName:  env.BranchName,
			Description: env.Description,
			UserStories: env.UserStories,
		}
		if err := prd.Validate(); err != nil {
			return nil, err
		}
		doc := &Document{Project: prd.Project, BranchName: prd.BranchName}
		for _, us := range prd.UserStories {
			doc.Stories = append(doc.Stories, newStory(us.ID, us.Title, us.Description, us.AcceptanceCriteria, us.DependsOn))
		}
		return doc, nil
	case env.Stories != nil:
		return fromFlat(env.Stories)
	default:
		return nil, fmt.Errorf("unrecognized PRD format: expected a story array or an object with a \"userStories\" or \"stories\" key")
	}
}

func fromFlat(flat []flatStory) (*Document, error) {
	doc := &Document{}
	for i, fs := range flat {
		if fs.ID == "" {
			return nil, fmt.Errorf("stories[%d]: missing 'id' field", i)
		}
		doc.Stories = append(doc.Stories, newStory(fs.ID, fs.Title, fs.Description, fs.criteria(), fs.DependsOn))
	}
	return doc, nil
}

func newStory(id, title, description string, criteria, dependsOn []string) *types.Story {
	if criteria == nil {
		criteria = []string{}
	}
	if dependsOn == nil {
		dependsOn = []string{}
	}
	return &types.Story{
		ID:                 id,
		Title:              title,
		Description:        description,
		AcceptanceCriteria: criteria,
		Status:             types.StoryUnclaimed,
		DependsOn:          dependsOn,
		Steps:              []*types.Step{},
		History:            []types.HistoryEntry{},
	}
}

// Synthesize builds the single story used by one-shot mode from a free-form
// request: the first line (up to 80 characters) becomes the title, the full
// request the description.
func Synthesize(request string) *types.Story {
	title := request
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if runes := []rune(title); len(runes) > 80 {
		title = string(runes[:80])
	}
	return newStory("US-001", title, request, []string{"The request is fully implemented."}, nil)
}
