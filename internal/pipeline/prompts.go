package pipeline

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"docreview/internal/store"
)

//go:embed prompts.yaml
var defaultPromptsYAML []byte

type PromptSpec struct {
	Title       string  `yaml:"title"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	Template    string  `yaml:"template"`

	tmpl *template.Template
}

// Prompts maps a stage key to its prompt.
type Prompts map[string]*PromptSpec

var templateFuncs = template.FuncMap{
	"join": strings.Join,
}

func LoadPrompts(data []byte) (Prompts, error) {
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	for key, spec := range p {
		if spec == nil || strings.TrimSpace(spec.Template) == "" {
			return nil, fmt.Errorf("prompt %s: empty template", key)
		}
		t, err := template.New(key).Funcs(templateFuncs).Option("missingkey=error").Parse(spec.Template)
		if err != nil {
			return nil, fmt.Errorf("prompt %s: %w", key, err)
		}
		spec.tmpl = t
	}
	return p, nil
}

func DefaultPrompts() (Prompts, error) {
	return LoadPrompts(defaultPromptsYAML)
}

type promptData struct {
	Overlay      *store.Overlay
	Criteria     []store.Criterion
	DocumentName string
	Document     string

	Structure *StructureResult
	Content   *ContentResult
	Grammar   *GrammarResult

	MaxQuestions int
}

func (p Prompts) Render(key string, data promptData) (string, *PromptSpec, error) {
	spec, ok := p[key]
	if !ok {
		return "", nil, fmt.Errorf("no prompt configured for %s", key)
	}
	var b strings.Builder
	if err := spec.tmpl.Execute(&b, data); err != nil {
		return "", nil, fmt.Errorf("render %s prompt: %w", key, err)
	}
	return b.String(), spec, nil
}
