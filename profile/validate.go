package profile

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ValidationResult collects the problems found by a validation, keyed by
// the name of the field or file having the problem.
type ValidationResult struct {
	Errors map[string]string
}

// NewValidationResult returns an empty, valid, result.
func NewValidationResult() *ValidationResult {
	return &ValidationResult{Errors: make(map[string]string)}
}

// Add records a problem with field. A second problem with the same field is
// appended to the first.
func (v *ValidationResult) Add(field, format string, args ...interface{}) {
	if v.Errors == nil {
		v.Errors = make(map[string]string)
	}
	msg := fmt.Sprintf(format, args...)
	if prev, ok := v.Errors[field]; ok {
		msg = prev + "; " + msg
	}
	v.Errors[field] = msg
}

// Merge adds all the problems in other to v.
func (v *ValidationResult) Merge(other *ValidationResult) {
	for _, field := range other.Fields() {
		v.Add(field, "%s", other.Errors[field])
	}
}

// IsValid returns true if no problems were found.
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

// Fields returns the names of the fields with problems, sorted.
func (v *ValidationResult) Fields() []string {
	var result []string
	for field := range v.Errors {
		result = append(result, field)
	}
	sort.Strings(result)
	return result
}

// Err returns nil if the result is valid, and otherwise an error listing
// every problem.
func (v *ValidationResult) Err() error {
	if v.IsValid() {
		return nil
	}
	var lines []string
	for _, field := range v.Fields() {
		lines = append(lines, field+": "+v.Errors[field])
	}
	return errors.New(strings.Join(lines, "\n"))
}

// ValidateProfile checks a profile for internal consistency. Besides the
// structural checks done by ValidateStructure, every required tag which may
// not be empty must either have a default value or be marked for operator
// input. Tags filled in by the bagger are exempt.
func ValidateProfile(p *BagItProfile) *ValidationResult {
	result := ValidateStructure(p)
	for _, t := range p.Tags {
		if !t.Required || t.EmptyOK || IsAutoFilled(t.TagFile, t.TagName) {
			continue
		}
		if t.DefaultValue == "" && !t.OperatorInput {
			result.Add(t.Field(), "required tag has no default value and is not marked for operator input")
		}
	}
	return result
}

// ValidateStructure checks the parts of a profile a bag cannot be made
// without: the accepted versions, the serialization policy and formats, the
// digest algorithms, and that every tag definition is well formed.
func ValidateStructure(p *BagItProfile) *ValidationResult {
	result := NewValidationResult()
	if p.Info.Identifier == "" {
		result.Add("Info.Identifier", "profile has no identifier")
	}
	if len(p.AcceptedVersions) == 0 {
		result.Add("AcceptedVersions", "no BagIt versions are accepted")
	}
	for _, f := range p.AcceptedSerializationFormats {
		if !f.Supported() {
			result.Add("AcceptedSerializationFormats", "unsupported serialization format %q", f)
		}
	}
	switch {
	case !p.Serialization.Valid():
		result.Add("Serialization", "unknown serialization policy %q", p.Serialization)
	case p.Serialization == SerializationForbidden && len(p.AcceptedSerializationFormats) > 0:
		result.Add("Serialization", "serialization is forbidden but formats are accepted")
	case p.Serialization != SerializationForbidden && len(p.AcceptedSerializationFormats) == 0:
		result.Add("Serialization", "serialization is %s but no formats are accepted", p.Serialization)
	}
	if len(p.ManifestsRequired) == 0 {
		result.Add("ManifestsRequired", "no manifest algorithms are given")
	}
	for _, a := range p.ManifestsRequired {
		if !a.Supported() {
			result.Add("ManifestsRequired", "unsupported digest algorithm %q", a)
		}
	}
	if len(p.TagManifestsRequired) == 0 {
		result.Add("TagManifestsRequired", "no tag manifest algorithms are given")
	}
	for _, a := range p.TagManifestsRequired {
		if !a.Supported() {
			result.Add("TagManifestsRequired", "unsupported digest algorithm %q", a)
		}
	}
	for _, t := range p.Tags {
		if t.TagFile == "" || t.TagName == "" {
			result.Add("Tags", "tag definition %q has an empty file or name", t.Field())
			continue
		}
		if err := checkTagFileName(t.TagFile); err != nil {
			result.Add(t.Field(), "%v", err)
		}
		if t.DefaultValue != "" && !t.Allowed(t.DefaultValue) {
			result.Add(t.Field(), "default value %q is not one of the allowed values", t.DefaultValue)
		}
	}
	return result
}

// checkTagFileName makes sure a tag file stays inside the bag and does not
// collide with the payload directory or a manifest.
func checkTagFileName(name string) error {
	switch {
	case path.IsAbs(name):
		return errors.Errorf("tag file %q is an absolute path", name)
	case strings.Contains(name, "\\"):
		return errors.Errorf("tag file %q contains a backslash", name)
	case path.Clean(name) != name:
		return errors.Errorf("tag file %q is not a clean path", name)
	case name == ".." || strings.HasPrefix(name, "../"):
		return errors.Errorf("tag file %q is outside the bag", name)
	case name == "data" || strings.HasPrefix(name, "data/"):
		return errors.Errorf("tag file %q is inside the payload directory", name)
	case strings.HasPrefix(name, "manifest-") || strings.HasPrefix(name, "tagmanifest-"):
		return errors.Errorf("tag file %q has a manifest name", name)
	}
	return nil
}

// ValidateTagValue checks a value for the given tag. It fails if the tag is
// required, may not be empty, and value is empty, or if the tag has allowed
// values and value is not one of them. An empty value for an optional tag
// is always valid since the tag is then left out.
func ValidateTagValue(def *TagDefinition, value string) *ValidationResult {
	result := NewValidationResult()
	switch {
	case def.Missing(value):
		result.Add(def.Field(), "required tag has no value")
	case value == "" && (!def.Required || def.EmptyOK):
	case !def.Allowed(value):
		result.Add(def.Field(), "value %q is not one of the allowed values %v", value, def.AllowedValues)
	}
	return result
}
