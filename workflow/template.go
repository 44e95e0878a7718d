package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"genstudio/logger"
)

var (
	ErrTemplateNotFound  = errors.New("workflow template not found")
	ErrMalformedTemplate = errors.New("malformed workflow template")
	ErrUIFormat          = errors.New("workflow is in UI format, convert it to API format first")
	ErrInvalidName       = errors.New("invalid workflow name")
)

// Cache stores raw template bytes between loads.
type Cache interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
}

// DecodeJSON unmarshals data into v keeping numbers as json.Number, so
// 64-bit seeds pass through untouched.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("invalid character after top-level value")
	}
	return nil
}

// ParseTemplate decodes an API-format template. A {"prompt": {...}} request
// body is unwrapped.
func ParseTemplate(data []byte) (Graph, error) {
	var doc map[string]any
	if err := DecodeJSON(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTemplate, err)
	}
	if _, ok := doc["nodes"].([]any); ok {
		return nil, ErrUIFormat
	}
	if inner, ok := doc["prompt"].(map[string]any); ok {
		doc = inner
	}
	return Graph(doc), nil
}

// LoadTemplate reads and parses the template at path.
func LoadTemplate(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, path)
		}
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}
	g, err := ParseTemplate(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// Library is a directory of <name>.json templates with optional
// <name>.toml presets next to them.
type Library struct {
	Dir   string
	Cache Cache
}

func NewLibrary(dir string, cache Cache) *Library {
	return &Library{Dir: dir, Cache: cache}
}

// Path returns the template file for name.
func (l *Library) Path(name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(l.Dir, name+".json"), nil
}

// Exists reports whether a template called name is present.
func (l *Library) Exists(name string) bool {
	path, err := l.Path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// List returns the template names, sorted.
func (l *Library) List() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.Dir, "*.json"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, strings.TrimSuffix(filepath.Base(f), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Load returns a freshly parsed copy of the template called name.
func (l *Library) Load(name string) (Graph, error) {
	data, err := l.Raw(name)
	if err != nil {
		return nil, err
	}
	g, err := ParseTemplate(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return g, nil
}

// Raw returns the template bytes, going through the cache when set.
func (l *Library) Raw(name string) ([]byte, error) {
	path, err := l.Path(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		return nil, err
	}

	key := fmt.Sprintf("template:%s:%d:%d", path, info.ModTime().UnixNano(), info.Size())
	if l.Cache != nil {
		if data, err := l.Cache.Get(key); err == nil {
			return data, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}
	if l.Cache != nil {
		if err := l.Cache.Put(key, data); err != nil {
			logger.Warn("Failed to cache workflow template", "workflow", name, "error", err)
		}
	}
	return data, nil
}

// Preset loads <name>.toml. A missing preset is not an error: an empty
// preset is returned.
func (l *Library) Preset(name string) (*Preset, error) {
	path, err := l.Path(name)
	if err != nil {
		return nil, err
	}
	path = strings.TrimSuffix(path, ".json") + ".toml"
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return &Preset{Name: name}, nil
	}
	p, err := LoadPreset(path)
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		p.Name = name
	}
	return p, nil
}
