package parser

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Profile tunes the parser for a family of source documents.
type Profile struct {
	Name              string          `yaml:"name"`
	MinBoundaries     int             `yaml:"min_boundaries"`
	HeaderFooterRules []string        `yaml:"header_footer_rules"`
	Families          []FamilyPattern `yaml:"families"`

	dropRules []*regexp.Regexp
	extra     []Family
}

// FamilyPattern is an extra boundary family tried after the built-in ones.
type FamilyPattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// DefaultProfile strips bare page numbers such as "- 3 -" and "3 / 12".
func DefaultProfile() *Profile {
	p := &Profile{
		Name:          "default",
		MinBoundaries: 2,
		HeaderFooterRules: []string{
			`^\s*-\s*\d+\s*-\s*$`,
			`^\s*\d+\s*/\s*\d+\s*$`,
		},
	}
	if err := p.compile(); err != nil {
		panic(err)
	}
	return p
}

// LoadProfile reads a YAML profile from path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	return ParseProfile(data)
}

func ParseProfile(data []byte) (*Profile, error) {
	p := &Profile{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if p.Name == "" {
		p.Name = "custom"
	}
	if p.MinBoundaries <= 0 {
		p.MinBoundaries = 2
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Profile) compile() error {
	p.dropRules = p.dropRules[:0]
	for _, rule := range p.HeaderFooterRules {
		re, err := regexp.Compile(rule)
		if err != nil {
			return fmt.Errorf("header_footer_rules %q: %w", rule, err)
		}
		p.dropRules = append(p.dropRules, re)
	}

	p.extra = p.extra[:0]
	for _, fp := range p.Families {
		f, err := NewFamily(fp.Name, fp.Pattern)
		if err != nil {
			return err
		}
		p.extra = append(p.extra, f)
	}
	return nil
}

// DropLine reports whether a line is header or footer noise.
func (p *Profile) DropLine(line string) bool {
	for _, re := range p.dropRules {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// families returns the built-in families followed by the profile's own.
func (p *Profile) families() []Family {
	return append(DefaultFamilies(), p.extra...)
}
