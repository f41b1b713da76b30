package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category groups tasks by the business vertical they serve.
type Category string

const (
	CategoryMortgage Category = "mortgage"
	CategorySolar    Category = "solar"
	CategoryGeneral  Category = "general"

	// CategoryAll is the lookup wildcard; it is never assigned to a task.
	CategoryAll Category = "all"
)

// Valid reports whether c names a concrete task category.
func (c Category) Valid() bool {
	switch c {
	case CategoryMortgage, CategorySolar, CategoryGeneral:
		return true
	default:
		return false
	}
}

// Range is an inclusive min/max pair.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Mid returns the midpoint of the range.
func (r Range) Mid() float64 {
	return (r.Min + r.Max) / 2
}

// Field describes one named, typed input or output of a task.
type Field struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// TaskDefinition is an immutable catalog entry for a processing task.
type TaskDefinition struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Category     Category       `json:"category" yaml:"category"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	CostRange    Range          `json:"costRange" yaml:"cost_range"`
	AvgCost      float64        `json:"avgCost" yaml:"avg_cost"`
	SuccessRate  float64        `json:"successRate" yaml:"success_rate"`
	TokenUsage   Range          `json:"tokenUsage" yaml:"token_usage"`
	Duration     Range          `json:"duration" yaml:"duration"`
	Inputs       []Field        `json:"inputs" yaml:"inputs"`
	Outputs      []Field        `json:"outputs" yaml:"outputs"`
	Limitations  []string       `json:"limitations,omitempty" yaml:"limitations,omitempty"`
	SampleInput  map[string]any `json:"sampleInput,omitempty" yaml:"sample_input,omitempty"`
	SampleOutput map[string]any `json:"sampleOutput,omitempty" yaml:"sample_output,omitempty"`
}

// Catalog is a read-only registry of task definitions, preserving declaration order.
type Catalog struct {
	tasks []TaskDefinition
	index map[string]int
}

//go:embed tasks.yaml
var defaultTasks []byte

type catalogFile struct {
	Tasks []TaskDefinition `yaml:"tasks"`
}

// New builds a catalog from the given definitions after validating them.
func New(tasks []TaskDefinition) (*Catalog, error) {
	c := &Catalog{
		tasks: make([]TaskDefinition, 0, len(tasks)),
		index: make(map[string]int, len(tasks)),
	}
	for _, t := range tasks {
		if err := validate(t); err != nil {
			return nil, err
		}
		if _, dup := c.index[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		c.index[t.ID] = len(c.tasks)
		c.tasks = append(c.tasks, t)
	}
	return c, nil
}

// Parse reads a YAML catalog document of the form `tasks: [...]`.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	return New(f.Tasks)
}

// LoadFile reads and parses a YAML catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the built-in catalog. It panics if the embedded document is invalid.
func Default() *Catalog {
	c, err := Parse(defaultTasks)
	if err != nil {
		panic(fmt.Sprintf("embedded task catalog: %v", err))
	}
	return c
}

// Get looks up a task by id.
func (c *Catalog) Get(id string) (TaskDefinition, bool) {
	i, ok := c.index[id]
	if !ok {
		return TaskDefinition{}, false
	}
	return c.tasks[i], true
}

// ByCategory returns the tasks in a category, or every task for CategoryAll.
// Unknown categories yield an empty list.
func (c *Catalog) ByCategory(cat Category) []TaskDefinition {
	if cat == CategoryAll {
		return c.All()
	}
	out := []TaskDefinition{}
	for _, t := range c.tasks {
		if t.Category == cat {
			out = append(out, t)
		}
	}
	return out
}

// All returns every task in declaration order.
func (c *Catalog) All() []TaskDefinition {
	out := make([]TaskDefinition, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// Categories returns the distinct categories present, in first-seen order.
func (c *Catalog) Categories() []Category {
	var out []Category
	seen := make(map[Category]bool)
	for _, t := range c.tasks {
		if !seen[t.Category] {
			seen[t.Category] = true
			out = append(out, t.Category)
		}
	}
	return out
}

// Len returns the number of tasks.
func (c *Catalog) Len() int {
	return len(c.tasks)
}

func validate(t TaskDefinition) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("task %s: name is required", t.ID)
	}
	if !t.Category.Valid() {
		return fmt.Errorf("task %s: unknown category %q", t.ID, t.Category)
	}
	if t.SuccessRate < 0 || t.SuccessRate > 100 {
		return fmt.Errorf("task %s: success rate %.2f outside 0-100", t.ID, t.SuccessRate)
	}
	if t.AvgCost < 0 {
		return fmt.Errorf("task %s: average cost must not be negative", t.ID)
	}
	for name, r := range map[string]Range{"cost range": t.CostRange, "token usage": t.TokenUsage, "duration": t.Duration} {
		if r.Min > r.Max {
			return fmt.Errorf("task %s: %s min exceeds max", t.ID, name)
		}
	}
	for _, f := range append(append([]Field{}, t.Inputs...), t.Outputs...) {
		if f.Name == "" {
			return fmt.Errorf("task %s: field name is required", t.ID)
		}
	}
	return nil
}
