package reminder

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"agrisync/internal/notify"
)

//go:embed templates.yaml
var defaultTemplates []byte

// Template describes one generated reminder. For maintenance templates
// OffsetDays counts from planting; for the harvest template it counts from
// the harvest date.
type Template struct {
	Title      string `yaml:"title"`
	Message    string `yaml:"message"`
	Type       string `yaml:"type"`
	OffsetDays int    `yaml:"offset_days"`
	Category   string `yaml:"category"`
}

type TemplateSet struct {
	Maintenance []Template `yaml:"maintenance"`
	Harvest     Template   `yaml:"harvest"`
}

// DefaultTemplates returns the built-in template set.
func DefaultTemplates() TemplateSet {
	set, err := ParseTemplates(defaultTemplates)
	if err != nil {
		panic(fmt.Sprintf("embedded reminder templates: %v", err))
	}
	return set
}

// LoadTemplates reads a template file, or returns the defaults when path is empty.
func LoadTemplates(path string) (TemplateSet, error) {
	if path == "" {
		return DefaultTemplates(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return TemplateSet{}, fmt.Errorf("read templates: %w", err)
	}
	set, err := ParseTemplates(data)
	if err != nil {
		return TemplateSet{}, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

func ParseTemplates(data []byte) (TemplateSet, error) {
	var set TemplateSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return TemplateSet{}, fmt.Errorf("parse templates: %w", err)
	}
	if err := set.Validate(); err != nil {
		return TemplateSet{}, err
	}
	return set, nil
}

func (s TemplateSet) Validate() error {
	var errs []error
	check := func(name string, t Template) {
		if strings.TrimSpace(t.Title) == "" {
			errs = append(errs, fmt.Errorf("%s: title is required", name))
		}
		if _, err := notify.LookupChannel(t.Category); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for i, t := range s.Maintenance {
		if t.OffsetDays < 0 {
			errs = append(errs, fmt.Errorf("maintenance[%d]: offset_days must not be negative", i))
		}
		check(fmt.Sprintf("maintenance[%d]", i), t)
	}
	check("harvest", s.Harvest)
	return errors.Join(errs...)
}

func (t Template) render(crop string) (title, message string) {
	r := strings.NewReplacer("{{crop}}", crop)
	return r.Replace(t.Title), r.Replace(t.Message)
}
