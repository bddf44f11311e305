package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/visionagent/backend/internal/analysis/emotion"
	"github.com/visionagent/backend/internal/model/persona"
)

// Identities is the immutable identity table plus the ordered emotion tag set.
type Identities struct {
	Users    []persona.Identity
	Emotions []emotion.Label
}

type identitiesFile struct {
	Identities []persona.Identity `yaml:"identities"`
	Emotions   []string           `yaml:"emotions"`
}

// DefaultIdentities returns the built-in identity table.
func DefaultIdentities() Identities {
	return Identities{Users: persona.Seed(), Emotions: emotion.DefaultLabels()}
}

// LoadIdentities reads the YAML file at path. An empty path yields the
// built-in defaults; a file that omits a section keeps that section's default.
func LoadIdentities(path string) (Identities, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultIdentities(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Identities{}, fmt.Errorf("read identities file: %w", err)
	}
	return ParseIdentities(raw)
}

// ParseIdentities decodes and validates an identities document.
func ParseIdentities(raw []byte) (Identities, error) {
	var doc identitiesFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Identities{}, fmt.Errorf("decode identities file: %w", err)
	}

	out := DefaultIdentities()

	if len(doc.Identities) > 0 {
		seen := make(map[string]struct{}, len(doc.Identities))
		users := make([]persona.Identity, 0, len(doc.Identities))
		for _, item := range doc.Identities {
			item.Key = strings.ToLower(strings.TrimSpace(item.Key))
			item.Name = strings.TrimSpace(item.Name)
			if item.Key == "" {
				return Identities{}, &Error{Field: "identities.key", Value: item.Name, Err: ErrInvalidValue}
			}
			if _, dup := seen[item.Key]; dup {
				return Identities{}, &Error{Field: "identities.key", Value: item.Key, Err: fmt.Errorf("%w: duplicate key", ErrInvalidValue)}
			}
			if item.Name == "" {
				return Identities{}, &Error{Field: "identities.name", Value: item.Key, Err: ErrInvalidValue}
			}
			if !strings.Contains(item.PromptTemplate, persona.NamePlaceholder) {
				return Identities{}, &Error{
					Field: "identities.prompt_template",
					Value: item.Key,
					Err:   fmt.Errorf("%w: missing %s placeholder", ErrInvalidValue, persona.NamePlaceholder),
				}
			}
			seen[item.Key] = struct{}{}
			users = append(users, item)
		}
		out.Users = users
	}

	if len(doc.Emotions) > 0 {
		labels := make([]emotion.Label, 0, len(doc.Emotions))
		seen := make(map[emotion.Label]struct{}, len(doc.Emotions))
		for _, raw := range doc.Emotions {
			label := emotion.Label(strings.ToLower(strings.TrimSpace(raw)))
			if label == "" {
				return Identities{}, &Error{Field: "emotions", Value: raw, Err: ErrInvalidValue}
			}
			if _, dup := seen[label]; dup {
				continue
			}
			seen[label] = struct{}{}
			labels = append(labels, label)
		}
		out.Emotions = labels
	}

	return out, nil
}
