package workflow

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Preset describes a template: what it is and which parameters it takes.
type Preset struct {
	Name        string                  `toml:"name"`
	Description string                  `toml:"description"`
	Kind        string                  `toml:"kind" validate:"omitempty,oneof=image video"`
	Example     string                  `toml:"example"`
	Parameters  map[string]ParameterDef `toml:"parameters" validate:"dive"`
}

// ParameterDef is a user-settable parameter with an optional range.
type ParameterDef struct {
	Type        string   `toml:"type" validate:"required,oneof=string int float"`
	Default     any      `toml:"default"`
	Description string   `toml:"description"`
	Min         *float64 `toml:"min"`
	Max         *float64 `toml:"max"`
}

// LoadPreset decodes and validates a preset file.
func LoadPreset(path string) (*Preset, error) {
	var p Preset
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, fmt.Errorf("failed to decode preset %s: %w", path, err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid preset %s: %w", path, err)
	}
	return &p, nil
}

// Resolve merges user parameters over the preset defaults. Typed
// parameters are converted and range checked. A negative seed, or a
// declared seed with no value, is replaced with a random one.
//
// An absent key takes the preset default. An explicit null opts out of it:
// the key stays out of the result and the template's own value is kept.
func (p *Preset) Resolve(user Params) (Params, error) {
	out := Params{}
	cleared := map[string]bool{}
	for k, v := range user {
		if v == nil {
			cleared[k] = true
			continue
		}
		out[k] = v
	}

	for name, def := range p.Parameters {
		v, ok := out[name]
		if !ok {
			if def.Default == nil || cleared[name] {
				continue
			}
			v = def.Default
		}
		conv, err := def.convert(name, v)
		if err != nil {
			return nil, err
		}
		out[name] = conv
	}

	seed, present := out["seed"]
	n, isInt := toInt(seed)
	_, declared := p.Parameters["seed"]
	if (!present && declared && !cleared["seed"]) || (isInt && n < 0) {
		s, err := RandomSeed()
		if err != nil {
			return nil, err
		}
		out["seed"] = s
	}
	return out, nil
}

func (d ParameterDef) convert(name string, v any) (any, error) {
	switch d.Type {
	case "int":
		n, ok := toInt(v)
		if !ok {
			return nil, fmt.Errorf("invalid value for %s: expected an int, got %v", name, v)
		}
		if err := d.check(name, float64(n)); err != nil {
			return nil, err
		}
		return n, nil
	case "float":
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("invalid value for %s: expected a float, got %v", name, v)
		}
		if err := d.check(name, f); err != nil {
			return nil, err
		}
		return f, nil
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	}
}

func (d ParameterDef) check(name string, v float64) error {
	if d.Min != nil && v < *d.Min {
		return fmt.Errorf("value for %s is too low: minimum is %g, got %g", name, *d.Min, v)
	}
	if d.Max != nil && v > *d.Max {
		return fmt.Errorf("value for %s is too high: maximum is %g, got %g", name, *d.Max, v)
	}
	return nil
}

// RandomSeed returns a non-negative 63-bit seed from crypto/rand.
func RandomSeed() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return 0, fmt.Errorf("failed to generate random seed: %w", err)
	}
	return n.Int64(), nil
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int64(t), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return toInt(f)
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}
