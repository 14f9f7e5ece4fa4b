package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed locales
var LocalesFS embed.FS

// Translator holds one locale's message catalog plus the prompt texts the
// workflow builds its model calls from.
type Translator struct {
	translations  map[string]string
	plannerText   string
	synthesisText string
}

// NewTranslator loads <lang>.yaml, planner-<lang>.txt and synthesis-<lang>.txt
// from the locales directory of fsys.
func NewTranslator(fsys fs.FS, langCode string) (*Translator, error) {
	filePath := filepath.Join("locales", fmt.Sprintf("%s.yaml", langCode))
	data, err := fs.ReadFile(fsys, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read translation file %s: %w", filePath, err)
	}

	var translations map[string]string
	if err := yaml.Unmarshal(data, &translations); err != nil {
		return nil, fmt.Errorf("failed to parse translation file: %w", err)
	}

	plannerPath := filepath.Join("locales", fmt.Sprintf("planner-%s.txt", langCode))
	plannerBytes, err := fs.ReadFile(fsys, plannerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read planner prompt %s: %w", plannerPath, err)
	}

	synthesisPath := filepath.Join("locales", fmt.Sprintf("synthesis-%s.txt", langCode))
	synthesisBytes, err := fs.ReadFile(fsys, synthesisPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read synthesis prompt %s: %w", synthesisPath, err)
	}

	return &Translator{
		translations:  translations,
		plannerText:   string(plannerBytes),
		synthesisText: string(synthesisBytes),
	}, nil
}

func (t *Translator) T(key string, args ...interface{}) string {
	format, ok := t.translations[key]
	if !ok {
		return key
	}
	if len(args) > 0 {
		return fmt.Sprintf(format, args...)
	}
	return format
}

// PlannerPrompt is the system prompt for the investigate stage.
func (t *Translator) PlannerPrompt() string { return t.plannerText }

// SynthesisPrompt is the system prompt for the final answer stage.
func (t *Translator) SynthesisPrompt() string { return t.synthesisText }

// Bundle maps locales to loaded Translators and answers lookups for locales
// it does not carry with the fallback language.
type Bundle struct {
	fallback string
	locales  map[string]*Translator
}

// NewBundle loads every listed locale from fsys. The fallback locale must be
// in the list.
func NewBundle(fsys fs.FS, fallback string, langs ...string) (*Bundle, error) {
	b := &Bundle{fallback: fallback, locales: make(map[string]*Translator, len(langs))}
	for _, lang := range langs {
		tr, err := NewTranslator(fsys, lang)
		if err != nil {
			return nil, err
		}
		b.locales[lang] = tr
	}
	if _, ok := b.locales[fallback]; !ok {
		return nil, fmt.Errorf("fallback locale %q was not loaded", fallback)
	}
	return b, nil
}

// For returns the Translator for lang, or the fallback one when lang is
// unknown or empty.
func (b *Bundle) For(lang string) *Translator {
	if tr, ok := b.locales[lang]; ok {
		return tr
	}
	return b.locales[b.fallback]
}
