package configutil

import (
	"slices"
	"strings"
)

// Schema lists the settings keys a vendor accepts. Keys match regardless of
// case, underscores and hyphens.
type Schema struct {
	Required []string
	Optional []string
}

// With returns a copy of s that also accepts the optional keys.
func (s Schema) With(optional ...string) Schema {
	out := Schema{
		Required: slices.Clone(s.Required),
		Optional: slices.Clone(s.Optional),
	}
	out.Optional = append(out.Optional, optional...)
	return out
}

// SettingsError reports the keys that failed schema validation.
type SettingsError struct {
	Vendor  string
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
	msg := strings.Join(parts, "; ")
	if e.Vendor != "" {
		return e.Vendor + " settings: " + msg
	}
	return msg
}

// ValidateSettings checks input against schema. A required key holding a
// blank string counts as missing. The result is nil or a *SettingsError.
func ValidateSettings(input map[string]any, schema Schema) error {
	allowed := make(map[string]string, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = k
	}
	present := make(map[string]bool, len(input))
	serr := &SettingsError{}
	for k, v := range input {
		nk := normalizeKey(k)
		present[nk] = !blank(v)
		if _, ok := allowed[nk]; !ok && !slices.ContainsFunc(schema.Required, func(r string) bool { return normalizeKey(r) == nk }) {
			serr.Unknown = append(serr.Unknown, k)
		}
	}
	for _, k := range schema.Required {
		if !present[normalizeKey(k)] {
			serr.Missing = append(serr.Missing, k)
		}
	}
	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	slices.Sort(serr.Missing)
	slices.Sort(serr.Unknown)
	return serr
}

func blank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}
