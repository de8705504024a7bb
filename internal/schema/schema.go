// Package schema holds the onboarding Field Schema. The schema is data,
// embedded from fields.yaml, so tests and prompts can enumerate it.
package schema

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed fields.yaml
var fieldsYAML []byte

// Channel values of the closed channel-preference set.
const (
	ChannelPhone = "phone"
	ChannelSMS   = "sms"
	ChannelBoth  = "both"
)

// Field is one profile attribute the interview collects.
type Field struct {
	Name     string   `yaml:"name"`
	Label    string   `yaml:"label"`
	Hint     string   `yaml:"hint"`
	Question string   `yaml:"question"`
	Default  string   `yaml:"default"`
	Values   []string `yaml:"values"`
}

// ChannelTokens lists substrings that indicate each channel.
type ChannelTokens struct {
	SMS   []string `yaml:"sms"`
	Phone []string `yaml:"phone"`
	Both  []string `yaml:"both"`
}

// Schema is the ordered field list plus its normalization rules.
type Schema struct {
	Fields           []Field       `yaml:"fields"`
	FallbackQuestion string        `yaml:"fallback_question"`
	ChannelField     string        `yaml:"channel_field"`
	ChannelTokens    ChannelTokens `yaml:"channel_tokens"`

	index map[string]int
}

var (
	defaultOnce   sync.Once
	defaultSchema *Schema
)

// Default returns the embedded schema. It panics if the embedded file is
// malformed, which is a build defect.
func Default() *Schema {
	defaultOnce.Do(func() {
		s, err := Parse(fieldsYAML)
		if err != nil {
			panic("schema: embedded fields.yaml: " + err.Error())
		}
		defaultSchema = s
	})
	return defaultSchema
}

// Parse decodes and validates a schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("schema: parse: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schema) validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema: at least one field is required")
	}
	s.index = make(map[string]int, len(s.Fields))
	var errs []string
	for i, f := range s.Fields {
		if f.Name == "" {
			errs = append(errs, fmt.Sprintf("fields[%d].name is required", i))
			continue
		}
		if _, dup := s.index[f.Name]; dup {
			errs = append(errs, fmt.Sprintf("fields[%d].name %q is duplicated", i, f.Name))
		}
		s.index[f.Name] = i
	}
	if s.ChannelField != "" {
		if _, ok := s.index[s.ChannelField]; !ok {
			errs = append(errs, fmt.Sprintf("channel_field %q is not a field", s.ChannelField))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("schema: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Names returns field names in canonical order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Lookup returns the named field.
func (s *Schema) Lookup(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// Question returns the fixed prompt for a field.
func (s *Schema) Question(name string) string {
	if f, ok := s.Lookup(name); ok && f.Question != "" {
		return f.Question
	}
	return s.FallbackQuestion
}

// NormalizeChannel maps free text onto the closed channel set. Text naming
// both an SMS and a phone token becomes "both"; anything unrecognized is
// returned unchanged.
func (s *Schema) NormalizeChannel(v string) string {
	v = strings.TrimSpace(v)
	lower := strings.ToLower(v)
	hasSMS := containsAny(lower, s.ChannelTokens.SMS)
	hasPhone := containsAny(lower, s.ChannelTokens.Phone)
	switch {
	case hasSMS && hasPhone:
		return ChannelBoth
	case hasSMS:
		return ChannelSMS
	case hasPhone:
		return ChannelPhone
	case containsAny(lower, s.ChannelTokens.Both):
		return ChannelBoth
	}
	return v
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if t != "" && strings.Contains(s, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// Summary renders a profile as one "label：value" line per field, using the
// field default wherever the profile has no value. It never fails.
func (s *Schema) Summary(values map[string]string) string {
	lines := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		v := strings.TrimSpace(values[f.Name])
		if v == "" {
			v = f.Default
		}
		label := f.Label
		if label == "" {
			label = f.Name
		}
		lines = append(lines, label+"："+v)
	}
	return strings.Join(lines, "\n")
}

// ExtractionInstruction builds the system instruction for structured
// extraction from the field hints.
func (s *Schema) ExtractionInstruction() string {
	var b strings.Builder
	b.WriteString("请从用户提供的信息中抽取以下字段，输出一个 JSON 对象：\n")
	for i, f := range s.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.Name)
		b.WriteString("(")
		b.WriteString(f.Hint)
		b.WriteString(")")
	}
	b.WriteString("。\n若缺失请填 null。只输出 JSON，不要额外解释。")
	return b.String()
}
