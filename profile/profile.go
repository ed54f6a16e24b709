// Package profile holds the BagIt profile model: the set of structural rules
// a bag must satisfy for one institution or repository. A profile can be
// checked for internal consistency with ValidateProfile, and a finished bag
// can be checked against a profile with ValidateBag.
//
// Profiles are read from documents in the community BagIt-Profiles JSON
// format, or taken from one of the built in templates.
package profile

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/ndlib/bagship/bagit"
)

// A Policy says whether a bag may, must, or must not be serialized.
type Policy string

const (
	SerializationRequired  Policy = "required"
	SerializationOptional  Policy = "optional"
	SerializationForbidden Policy = "forbidden"
)

// Valid returns true if p is one of the three policies.
func (p Policy) Valid() bool {
	switch p {
	case SerializationRequired, SerializationOptional, SerializationForbidden:
		return true
	}
	return false
}

// Tag labels filled in by the bagger. Profiles may list them but do not need
// to give them values.
const (
	BagItVersionTag = "BagIt-Version"
	EncodingTag     = "Tag-File-Character-Encoding"
	BaggingDateTag  = "Bagging-Date"
	PayloadOxumTag  = "Payload-Oxum"
	BagSizeTag      = "Bag-Size"
)

// IsAutoFilled returns true if the named tag is given a value by the bagger.
func IsAutoFilled(file, name string) bool {
	switch file {
	case bagit.BagItFile:
		return strings.EqualFold(name, BagItVersionTag) || strings.EqualFold(name, EncodingTag)
	case bagit.BagInfoFile:
		return strings.EqualFold(name, BaggingDateTag) ||
			strings.EqualFold(name, PayloadOxumTag) ||
			strings.EqualFold(name, BagSizeTag)
	}
	return false
}

// ErrProfileFrozen is returned when a profile is changed after a packaging
// attempt using it has started.
var ErrProfileFrozen = errors.New("profile is frozen")

// ProfileInfo describes the profile itself. Only Identifier is checked.
type ProfileInfo struct {
	Identifier          string
	ContactName         string
	ContactEmail        string
	SourceOrganization  string
	ExternalDescription string
	Version             string
}

// BagItProfile is the compliance contract for one kind of bag.
type BagItProfile struct {
	Info                         ProfileInfo
	AcceptedVersions             []string
	AcceptedSerializationFormats []bagit.Format
	Serialization                Policy
	AllowFetchFile               bool
	AllowMiscTopLevelFiles       bool
	AllowMiscDirectories         bool
	ManifestsRequired            []bagit.Algorithm
	TagManifestsRequired         []bagit.Algorithm
	TagFilesRequired             []string         // tag files which must exist, even if empty
	Tags                         []*TagDefinition // in the order they are written

	m      sync.Mutex
	frozen bool
}

// TagDefinition is one line in a tag file, and the rules for its value.
type TagDefinition struct {
	TagFile       string // path relative to the bag root, e.g. "bag-info.txt"
	TagName       string
	Required      bool
	EmptyOK       bool
	AllowedValues []string // empty means any value is allowed
	DefaultValue  string
	UserValue     string // value supplied for a particular job
	OperatorInput bool   // the value is expected to be supplied for each job
}

// Value returns the value to write for this tag: the user value if one was
// given, otherwise the default.
func (t *TagDefinition) Value() string {
	if t.UserValue != "" {
		return t.UserValue
	}
	return t.DefaultValue
}

// Missing returns true if value does not satisfy a required tag.
func (t *TagDefinition) Missing(value string) bool {
	return t.Required && !t.EmptyOK && strings.TrimSpace(value) == ""
}

// Allowed returns true if value is in the allowed values for this tag, or
// if there is no restriction.
func (t *TagDefinition) Allowed(value string) bool {
	if len(t.AllowedValues) == 0 {
		return true
	}
	for _, v := range t.AllowedValues {
		if v == value {
			return true
		}
	}
	return false
}

// Field returns the name used for this tag in validation results.
func (t *TagDefinition) Field() string {
	return t.TagFile + "/" + t.TagName
}

// Freeze marks the profile as immutable. It cannot be undone.
func (p *BagItProfile) Freeze() {
	p.m.Lock()
	p.frozen = true
	p.m.Unlock()
}

// Frozen returns true if Freeze has been called.
func (p *BagItProfile) Frozen() bool {
	p.m.Lock()
	defer p.m.Unlock()
	return p.frozen
}

// SetTagValue sets the user value of a tag. A tag not defined by the profile
// is appended as an optional tag.
func (p *BagItProfile) SetTagValue(file, name, value string) error {
	p.m.Lock()
	defer p.m.Unlock()
	if p.frozen {
		return ErrProfileFrozen
	}
	if t := p.findTag(file, name); t != nil {
		t.UserValue = value
		return nil
	}
	p.Tags = append(p.Tags, &TagDefinition{
		TagFile:   file,
		TagName:   name,
		UserValue: value,
	})
	return nil
}

// AddTag appends a tag definition.
func (p *BagItProfile) AddTag(def *TagDefinition) error {
	p.m.Lock()
	defer p.m.Unlock()
	if p.frozen {
		return ErrProfileFrozen
	}
	p.Tags = append(p.Tags, def)
	return nil
}

// FindTag returns the first definition for the given tag, or nil. Tag names
// are compared case insensitively.
func (p *BagItProfile) FindTag(file, name string) *TagDefinition {
	p.m.Lock()
	defer p.m.Unlock()
	return p.findTag(file, name)
}

func (p *BagItProfile) findTag(file, name string) *TagDefinition {
	for _, t := range p.Tags {
		if t.TagFile == file && strings.EqualFold(t.TagName, name) {
			return t
		}
	}
	return nil
}

// TagsForFile returns the definitions for the given tag file, in order.
func (p *BagItProfile) TagsForFile(file string) []*TagDefinition {
	var result []*TagDefinition
	for _, t := range p.Tags {
		if t.TagFile == file {
			result = append(result, t)
		}
	}
	return result
}

// TagFiles returns the distinct tag files named by the tag definitions, in
// order of first appearance, followed by any other required tag files.
func (p *BagItProfile) TagFiles() []string {
	var result []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			result = append(result, name)
		}
	}
	for _, t := range p.Tags {
		add(t.TagFile)
	}
	for _, name := range p.TagFilesRequired {
		add(name)
	}
	return result
}

// SerializationFormat returns the format a bag made with this profile is
// serialized into, or "" if bags are left as directories.
func (p *BagItProfile) SerializationFormat() bagit.Format {
	if p.Serialization == SerializationForbidden || len(p.AcceptedSerializationFormats) == 0 {
		return ""
	}
	return p.AcceptedSerializationFormats[0]
}

// BagItVersion returns the version to put in bagit.txt. This is the value
// of the BagIt-Version tag if one is given and accepted, otherwise the first
// accepted version.
func (p *BagItProfile) BagItVersion() string {
	if t := p.FindTag(bagit.BagItFile, BagItVersionTag); t != nil && t.Value() != "" {
		if p.AcceptsVersion(t.Value()) {
			return t.Value()
		}
	}
	if len(p.AcceptedVersions) > 0 {
		return p.AcceptedVersions[0]
	}
	return bagit.Version
}

// AcceptsVersion returns true if version is one of the accepted versions.
func (p *BagItProfile) AcceptsVersion(version string) bool {
	for _, v := range p.AcceptedVersions {
		if v == version {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the profile. The copy is not frozen.
func (p *BagItProfile) Clone() *BagItProfile {
	p.m.Lock()
	defer p.m.Unlock()
	c := &BagItProfile{
		Info:                         p.Info,
		AcceptedVersions:             append([]string(nil), p.AcceptedVersions...),
		AcceptedSerializationFormats: append([]bagit.Format(nil), p.AcceptedSerializationFormats...),
		Serialization:                p.Serialization,
		AllowFetchFile:               p.AllowFetchFile,
		AllowMiscTopLevelFiles:       p.AllowMiscTopLevelFiles,
		AllowMiscDirectories:         p.AllowMiscDirectories,
		ManifestsRequired:            append([]bagit.Algorithm(nil), p.ManifestsRequired...),
		TagManifestsRequired:         append([]bagit.Algorithm(nil), p.TagManifestsRequired...),
		TagFilesRequired:             append([]string(nil), p.TagFilesRequired...),
	}
	for _, t := range p.Tags {
		t2 := *t
		t2.AllowedValues = append([]string(nil), t.AllowedValues...)
		c.Tags = append(c.Tags, &t2)
	}
	return c
}
