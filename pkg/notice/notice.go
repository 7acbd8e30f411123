// Package notice renders short user-facing messages in the user's language.
package notice

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Key names one notice.
type Key string

const (
	ReceivedProcessing Key = "received_processing"
	StillWorking       Key = "still_working"
	Timeout            Key = "timeout"
	ProcessingFailed   Key = "processing_failed"
	Unsupported        Key = "unsupported"
	StickerStandby     Key = "sticker_standby"
	GenericFailure     Key = "generic_failure"
	Welcome            Key = "welcome"
)

const defaultLanguage = "es"

//go:embed catalog/notices.yaml
var catalogFS embed.FS

// Catalog holds notice templates per language.
type Catalog struct {
	language string
	texts    map[string]map[Key]string
	kinds    map[string]map[string]string
}

// Load parses the embedded catalog, merges overridePath on top when set, and
// selects language.
func Load(language string, overridePath string) (*Catalog, error) {
	content, err := catalogFS.ReadFile("catalog/notices.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded notices: %w", err)
	}

	c := &Catalog{
		texts: make(map[string]map[Key]string),
		kinds: make(map[string]map[string]string),
	}
	if err := c.merge(content); err != nil {
		return nil, fmt.Errorf("parse embedded notices: %w", err)
	}

	if path := strings.TrimSpace(overridePath); path != "" {
		override, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read notice override: %w", err)
		}
		if err := c.merge(override); err != nil {
			return nil, fmt.Errorf("parse notice override: %w", err)
		}
	}

	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		language = defaultLanguage
	}
	if _, ok := c.texts[language]; !ok {
		return nil, fmt.Errorf("notice language %q is not in catalog", language)
	}
	c.language = language

	return c, nil
}

// MustDefault loads the embedded catalog in the default language.
func MustDefault() *Catalog {
	c, err := Load("", "")
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) merge(content []byte) error {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return err
	}

	for lang, node := range raw {
		if lang == "kinds" {
			var kinds map[string]map[string]string
			if err := node.Decode(&kinds); err != nil {
				return fmt.Errorf("kinds: %w", err)
			}
			for l, names := range kinds {
				if c.kinds[l] == nil {
					c.kinds[l] = make(map[string]string)
				}
				for k, v := range names {
					c.kinds[l][k] = v
				}
			}
			continue
		}

		var texts map[Key]string
		if err := node.Decode(&texts); err != nil {
			return fmt.Errorf("language %s: %w", lang, err)
		}
		if c.texts[lang] == nil {
			c.texts[lang] = make(map[Key]string)
		}
		for k, v := range texts {
			c.texts[lang][k] = v
		}
	}
	return nil
}

// Language returns the selected language code.
func (c *Catalog) Language() string { return c.language }

// Text renders key with placeholder values such as {kind} or {name}.
// Missing keys fall back to the generic failure notice.
func (c *Catalog) Text(key Key, vars map[string]string) string {
	texts := c.texts[c.language]
	tmpl, ok := texts[key]
	if !ok {
		tmpl = texts[GenericFailure]
	}

	if len(vars) == 0 {
		return strings.ReplaceAll(strings.ReplaceAll(tmpl, "{kind}", ""), "{name}", "")
	}

	pairs := make([]string, 0, len(vars)*2+4)
	for k, v := range vars {
		if k == "kind" {
			v = c.KindName(v)
		}
		pairs = append(pairs, "{"+k+"}", v)
	}
	pairs = append(pairs, "{kind}", "", "{name}", "")
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// KindName translates a message kind into a user-facing noun.
func (c *Catalog) KindName(kind string) string {
	if name, ok := c.kinds[c.language][kind]; ok {
		return name
	}
	return kind
}
