// Package catalog provides the role, team-template and requirement tables
// used to assemble project teams.
//
// The built-in catalog is embedded YAML. An optional TOML file can add or
// replace roles, templates and requirement rules:
//
//	[roles.cloud_architect]
//	title = "Cloud Solutions Architect"
//	expertise = ["aws", "gcp"]
//	model_preference = "reasoning_heavy"
//
//	[templates]
//	data_platform = ["cloud_architect", "data_engineer"]
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fyrsmithlabs/foundry/internal/project"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalidCatalog is returned for override files that fail validation.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Role describes one worker role.
type Role struct {
	Title           string   `yaml:"title" toml:"title"`
	Expertise       []string `yaml:"expertise" toml:"expertise"`
	ModelPreference string   `yaml:"model_preference" toml:"model_preference"`
	Description     string   `yaml:"description" toml:"description"`
}

// Preference maps the catalog's model preference to a worker preference.
func (r Role) Preference() project.ModelPreference {
	switch r.ModelPreference {
	case "reasoning_heavy", string(project.PreferReasoning):
		return project.PreferReasoning
	case "coding_heavy", string(project.PreferCoding):
		return project.PreferCoding
	default:
		return project.PreferBalanced
	}
}

// RequirementRule adds roles when a custom requirement contains Keyword.
type RequirementRule struct {
	Keyword string   `yaml:"keyword" toml:"keyword"`
	Roles   []string `yaml:"roles" toml:"roles"`
}

// Category groups project types for listings.
type Category struct {
	Name  string   `yaml:"name" toml:"name"`
	Types []string `yaml:"types" toml:"types"`
}

// Catalog is an immutable snapshot of the tables.
type Catalog struct {
	Roles            map[string]Role     `yaml:"roles" toml:"roles"`
	Templates        map[string][]string `yaml:"templates" toml:"templates"`
	FallbackTeam     []string            `yaml:"fallback_team" toml:"fallback_team"`
	RequirementRoles []RequirementRule   `yaml:"requirement_roles" toml:"requirement_roles"`
	Categories       []Category          `yaml:"categories" toml:"categories"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(defaultsYAML, &c); err != nil {
		return nil, fmt.Errorf("decoding built-in catalog: %w", err)
	}
	return &c, nil
}

// Load returns the embedded catalog merged with the TOML file at path.
// An empty path or a missing file yields the defaults.
func Load(path string) (*Catalog, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}

	var override Catalog
	if _, err := toml.DecodeFile(path, &override); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCatalog, path, err)
	}
	if err := override.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCatalog, path, err)
	}
	c.merge(&override)
	return c, nil
}

func (c *Catalog) validate() error {
	for name, r := range c.Roles {
		if strings.TrimSpace(r.Title) == "" {
			return fmt.Errorf("role %q has no title", name)
		}
	}
	for _, rule := range c.RequirementRoles {
		if strings.TrimSpace(rule.Keyword) == "" {
			return errors.New("requirement rule with empty keyword")
		}
	}
	return nil
}

// merge overlays o onto c. Roles and templates replace by key, requirement
// rules replace by keyword or append, a non-empty fallback team replaces.
func (c *Catalog) merge(o *Catalog) {
	for name, r := range o.Roles {
		c.Roles[name] = r
	}
	for name, roles := range o.Templates {
		c.Templates[name] = roles
	}
	if len(o.FallbackTeam) > 0 {
		c.FallbackTeam = o.FallbackTeam
	}
	for _, rule := range o.RequirementRoles {
		replaced := false
		for i := range c.RequirementRoles {
			if c.RequirementRoles[i].Keyword == rule.Keyword {
				c.RequirementRoles[i] = rule
				replaced = true
				break
			}
		}
		if !replaced {
			c.RequirementRoles = append(c.RequirementRoles, rule)
		}
	}
	if len(o.Categories) > 0 {
		c.Categories = append(c.Categories, o.Categories...)
	}
}

// Role looks up a role by name.
func (c *Catalog) Role(name string) (Role, bool) {
	r, ok := c.Roles[name]
	return r, ok
}

// TeamRoles returns the ordered, de-duplicated role names for a project:
// the type's template (or the fallback team) followed by roles triggered by
// custom requirements. Names may include roles missing from the catalog.
func (c *Catalog) TeamRoles(projectType string, requirements []string) []string {
	base, ok := c.Templates[projectType]
	if !ok {
		base = c.FallbackTeam
	}

	seen := make(map[string]bool)
	var out []string
	add := func(role string) {
		if !seen[role] {
			seen[role] = true
			out = append(out, role)
		}
	}
	for _, role := range base {
		add(role)
	}
	for _, req := range requirements {
		lower := strings.ToLower(req)
		for _, rule := range c.RequirementRoles {
			if strings.Contains(lower, rule.Keyword) {
				for _, role := range rule.Roles {
					add(role)
				}
			}
		}
	}
	return out
}

// ProjectTypes returns every type with a template, sorted.
func (c *Catalog) ProjectTypes() []string {
	types := make([]string, 0, len(c.Templates))
	for t := range c.Templates {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
