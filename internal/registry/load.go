package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// toolFile is the on-disk shape produced by the documentation extractor.
type toolFile struct {
	Tools []toolEntry `json:"tools"`
}

// toolEntry is one tool definition. Extractor output carries a prebuilt
// inputSchema; hand-maintained files may instead carry the raw documentation
// fields (arguments, label) and have their schema derived on load.
type toolEntry struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	FullDescription string         `json:"full_description"`
	InputSchema     map[string]any `json:"inputSchema"`
	Arguments       string         `json:"arguments"`
	Label           string         `json:"label"`
}

// LoadDir reads tool definition files under dir: GAP.json first, then
// packages/<name>.json for each configured package in order. Missing or
// malformed files are skipped with a warning so one bad package cannot take
// down the rest. Returns the number of definitions added.
func (r *Registry) LoadDir(dir string, packages []string) int {
	files := []string{filepath.Join(dir, "GAP.json")}
	for _, packageName := range packages {
		files = append(files, filepath.Join(dir, "packages", packageName+".json"))
	}

	added := 0
	for _, path := range files {
		added += r.loadFile(path)
	}
	return added
}

func (r *Registry) loadFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("tool definition file missing", "path", path)
		} else {
			r.logger.Warn("tool definition file unreadable", "path", path, "error", err)
		}
		return 0
	}

	var file toolFile
	if err := json.Unmarshal(data, &file); err != nil {
		r.logger.Warn("tool definition file malformed", "path", path, "error", err)
		return 0
	}

	packageName := strings.TrimSuffix(filepath.Base(path), ".json")
	prefix := packagePrefix(packageName)

	added := 0
	for _, entry := range file.Tools {
		definition, err := entry.definition(packageName, prefix)
		if err != nil {
			r.logger.Warn("tool entry skipped", "path", path, "tool", entry.Name, "error", err)
			continue
		}
		r.add(definition)
		added++
	}
	r.logger.Debug("tool definitions loaded", "path", path, "package", packageName, "count", added)
	return added
}

func (e toolEntry) definition(packageName, prefix string) (*Definition, error) {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return nil, errors.New("tool entry has no name")
	}

	description := e.FullDescription
	if description == "" {
		description = e.Description
	}

	definition := &Definition{
		Name:         publicName(prefix, name),
		OriginalName: name,
		Package:      packageName,
		Description:  description,
	}

	if e.InputSchema != nil {
		arguments, err := argumentsFromSchema(e.InputSchema)
		if err != nil {
			return nil, err
		}
		definition.Arguments = arguments
		definition.schema = e.InputSchema
		return definition, nil
	}

	definition.Arguments = deriveArguments(e.Arguments, e.Label)
	return definition, nil
}

// argumentsFromSchema recovers the ordered argument list from a prebuilt
// schema. The required array carries the declaration order; properties only
// contribute descriptions.
func argumentsFromSchema(schema map[string]any) ([]Argument, error) {
	required, _ := schema["required"].([]any)
	properties, _ := schema["properties"].(map[string]any)

	arguments := make([]Argument, 0, len(required))
	for _, raw := range required {
		name, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("required argument name %v is not a string", raw)
		}
		argument := Argument{Name: name, Description: genericArgumentDescription}
		if property, ok := properties[name].(map[string]any); ok {
			if text, ok := property["description"].(string); ok && text != "" {
				argument.Description = text
			}
		}
		arguments = append(arguments, argument)
	}
	return arguments, nil
}

// deriveArguments builds the argument list from the raw documentation
// fields. When the label yields one type hint per argument, each argument
// gets its hint; any count mismatch falls back to the generic description
// for every argument.
func deriveArguments(argumentSpec, label string) []Argument {
	names := splitTrimmed(argumentSpec)
	if len(names) == 0 {
		return nil
	}

	hints := typeHints(label)
	arguments := make([]Argument, 0, len(names))
	for i, name := range names {
		description := genericArgumentDescription
		if len(hints) == len(names) {
			description = hints[i]
		}
		arguments = append(arguments, Argument{Name: name, Description: description})
	}
	return arguments
}

// typeHints renders per-argument type hints from a documentation label. The
// first four characters are the "for " marker and are dropped.
func typeHints(label string) []string {
	if len(label) <= 4 {
		return nil
	}
	types := splitTrimmed(label[4:])
	hints := make([]string, 0, len(types))
	for _, typeName := range types {
		hints = append(hints, fmt.Sprintf(typeHintFormat, typeName))
	}
	return hints
}

// packagePrefix derives the public tool prefix: the uppercase letters of the
// package name, or the whole name when it has none, capped at six runes.
func packagePrefix(packageName string) string {
	var capitals []rune
	for _, r := range packageName {
		if unicode.IsUpper(r) {
			capitals = append(capitals, r)
		}
	}
	prefix := string(capitals)
	if prefix == "" {
		prefix = packageName
	}
	runes := []rune(prefix)
	if len(runes) > prefixLimit {
		runes = runes[:prefixLimit]
	}
	return string(runes)
}

func publicName(prefix, originalName string) string {
	runes := []rune(originalName)
	if len(runes) > nameLimit {
		runes = runes[:nameLimit]
	}
	return prefix + "_" + string(runes)
}

func splitTrimmed(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
