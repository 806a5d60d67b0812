// Package configutil checks and decodes the free-form settings maps that
// select a vendor provider. Keys match regardless of case, underscores or
// hyphens, so "api_key", "apiKey" and "API-KEY" are the same key.
package configutil

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Schema lists the keys a provider's settings map may carry.
type Schema struct {
	Required     []string
	Optional     []string
	Secrets      []string
	AllowUnknown bool
}

// SettingsError reports the keys a settings map is missing or should not have.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings returns a *SettingsError when a required key is absent
// or blank, or when an unlisted key is present and the schema forbids it.
func ValidateSettings(input map[string]any, schema Schema) error {
	allowed := make(map[string]bool)
	for _, k := range schema.Optional {
		allowed[foldKey(k)] = true
	}
	for _, k := range schema.Secrets {
		allowed[foldKey(k)] = true
	}
	present := make(map[string]any, len(input))
	var serr SettingsError
	for k, v := range input {
		fk := foldKey(k)
		present[fk] = v
		if !allowed[fk] && !schema.AllowUnknown && !containsKey(schema.Required, fk) {
			serr.Unknown = append(serr.Unknown, k)
		}
	}
	for _, k := range schema.Required {
		v, ok := present[foldKey(k)]
		if !ok || blank(v) {
			serr.Missing = append(serr.Missing, k)
		}
	}
	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return &serr
}

// Masked returns a copy of input with the schema's secret values replaced,
// suitable for printing.
func Masked(input map[string]any, schema Schema) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		if containsKey(schema.Secrets, foldKey(k)) && !blank(v) {
			out[k] = maskValue(fmt.Sprint(v))
			continue
		}
		out[k] = v
	}
	return out
}

func maskValue(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

// DecodeSettings decodes a settings map into a typed struct. Strings are
// accepted for numbers, bools, durations ("250ms") and comma-separated lists.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		MatchName: func(mapKey, fieldName string) bool {
			return foldKey(mapKey) == foldKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// RequireString reports path as required when value is blank.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", path)
	}
	return nil
}

func blank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

func containsKey(keys []string, folded string) bool {
	for _, k := range keys {
		if foldKey(k) == folded {
			return true
		}
	}
	return false
}

func foldKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	return strings.ReplaceAll(value, "-", "")
}
