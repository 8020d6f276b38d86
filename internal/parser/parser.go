// Package parser reads authored campaign files: markdown with a YAML
// frontmatter block naming the record type.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

const (
	TypeLocation  = "location"
	TypeCharacter = "character"
	TypeBeat      = "beat"
	TypeRule      = "rule"
	TypeSpell     = "spell"
	TypeFact      = "fact"
	TypeStory     = "story"
)

var Types = []string{TypeLocation, TypeCharacter, TypeBeat, TypeRule, TypeSpell, TypeFact, TypeStory}

type Document struct {
	Frontmatter map[string]any
	ID          string
	Title       string
	Type        string
	Tags        []string
	Body        string
	SourceFile  string

	raw []byte
}

var (
	ErrNoFrontmatter = errors.New("no frontmatter found")
	ErrInvalidYAML   = errors.New("invalid YAML in frontmatter")
	ErrMissingTitle  = errors.New("frontmatter missing required 'title' field")
	ErrMissingType   = errors.New("frontmatter missing required 'type' field")
	ErrUnknownType   = errors.New("unknown record type")
)

func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	doc.SourceFile = path
	return doc, nil
}

func Parse(content []byte) (*Document, error) {
	content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	trimmed := bytes.TrimLeft(content, "\ufeff\n\t ")
	if !bytes.HasPrefix(trimmed, []byte("---\n")) {
		return nil, ErrNoFrontmatter
	}

	rest := trimmed[len("---\n"):]
	end := bytes.Index(rest, []byte("---\n"))
	if end == -1 {
		if !bytes.HasSuffix(rest, []byte("\n---")) {
			return nil, ErrNoFrontmatter
		}
		end = len(rest) - len("---")
	}

	yamlBytes := rest[:end]
	body := ""
	if end+len("---\n") <= len(rest) {
		body = string(rest[end+len("---\n"):])
	}

	var frontmatter map[string]any
	if err := yaml.Unmarshal(yamlBytes, &frontmatter); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	title, ok := frontmatter["title"].(string)
	if !ok || strings.TrimSpace(title) == "" {
		return nil, ErrMissingTitle
	}

	recordType, ok := frontmatter["type"].(string)
	if !ok || strings.TrimSpace(recordType) == "" {
		return nil, ErrMissingType
	}
	recordType = strings.ToLower(strings.TrimSpace(recordType))
	if !slices.Contains(Types, recordType) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, recordType)
	}

	tags, err := parseTags(frontmatter["tags"])
	if err != nil {
		return nil, err
	}

	id, _ := frontmatter["id"].(string)
	if strings.TrimSpace(id) == "" {
		id = Slug(title)
	}

	return &Document{
		Frontmatter: frontmatter,
		ID:          strings.TrimSpace(id),
		Title:       title,
		Type:        recordType,
		Tags:        tags,
		Body:        strings.TrimSpace(body),
		raw:         yamlBytes,
	}, nil
}

// Decode unmarshals the frontmatter into v.
func (d *Document) Decode(v any) error {
	if err := yaml.Unmarshal(d.raw, v); err != nil {
		return fmt.Errorf("decoding %s %s: %w", d.Type, d.ID, err)
	}
	return nil
}

// Slug turns a title into an identifier: lower case, with runs of anything
// other than letters and digits collapsed to a single dash.
func Slug(title string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
			dash = false
			continue
		}
		if !dash && sb.Len() > 0 {
			sb.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}

func parseTags(value any) ([]string, error) {
	if value == nil {
		return nil, nil
	}
	switch v := value.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []any:
		tags := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("tags must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			tags = append(tags, s)
		}
		if len(tags) == 0 {
			return nil, nil
		}
		return tags, nil
	default:
		return nil, fmt.Errorf("tags must be string or list of strings")
	}
}
