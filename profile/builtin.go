package profile

import (
	"sort"

	"github.com/ndlib/bagship/bagit"
)

var builtins = map[string]func() *BagItProfile{
	"bagit-default": defaultProfile,
	"bagit-tar":     tarProfile,
}

// BuiltIn returns a new copy of the named built in profile, or nil if there
// is no such profile.
func BuiltIn(name string) *BagItProfile {
	f, ok := builtins[name]
	if !ok {
		return nil
	}
	return f()
}

// BuiltInNames returns the names of the built in profiles, sorted.
func BuiltInNames() []string {
	var result []string
	for name := range builtins {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// the bag-info.txt tags from RFC 8493, all optional
var bagInfoTags = []string{
	"Source-Organization",
	"Organization-Address",
	"Contact-Name",
	"Contact-Phone",
	"Contact-Email",
	"External-Description",
	BaggingDateTag,
	"External-Identifier",
	BagSizeTag,
	PayloadOxumTag,
	"Bag-Group-Identifier",
	"Bag-Count",
	"Internal-Sender-Identifier",
	"Internal-Sender-Description",
}

func declarationTags() []*TagDefinition {
	return []*TagDefinition{
		{TagFile: bagit.BagItFile, TagName: BagItVersionTag, Required: true, DefaultValue: bagit.Version},
		{TagFile: bagit.BagItFile, TagName: EncodingTag, Required: true, DefaultValue: bagit.Encoding},
	}
}

// defaultProfile makes plain directory bags with as few rules as possible.
func defaultProfile() *BagItProfile {
	p := &BagItProfile{
		Info: ProfileInfo{
			Identifier:          "bagit-default",
			ExternalDescription: "BagIt 1.0 directory bag with a sha256 manifest",
			Version:             "1.0",
		},
		AcceptedVersions:       []string{"1.0", "0.97"},
		Serialization:          SerializationForbidden,
		AllowFetchFile:         false,
		AllowMiscTopLevelFiles: true,
		AllowMiscDirectories:   true,
		ManifestsRequired:      []bagit.Algorithm{bagit.SHA256},
		TagManifestsRequired:   []bagit.Algorithm{bagit.SHA256},
		Tags:                   declarationTags(),
	}
	for _, name := range bagInfoTags {
		p.Tags = append(p.Tags, &TagDefinition{TagFile: bagit.BagInfoFile, TagName: name})
	}
	return p
}

// tarProfile makes tar serialized bags having md5 and sha256 manifests. The
// source organization must be given for each job.
func tarProfile() *BagItProfile {
	return &BagItProfile{
		Info: ProfileInfo{
			Identifier:          "bagit-tar",
			ExternalDescription: "BagIt 1.0 tar serialized bag with md5 and sha256 manifests",
			Version:             "1.0",
		},
		AcceptedVersions:             []string{"1.0"},
		AcceptedSerializationFormats: []bagit.Format{bagit.FormatTar},
		Serialization:                SerializationRequired,
		AllowFetchFile:               false,
		AllowMiscTopLevelFiles:       false,
		AllowMiscDirectories:         false,
		ManifestsRequired:            []bagit.Algorithm{bagit.MD5, bagit.SHA256},
		TagManifestsRequired:         []bagit.Algorithm{bagit.MD5, bagit.SHA256},
		Tags: append(declarationTags(),
			&TagDefinition{TagFile: bagit.BagInfoFile, TagName: "Source-Organization", Required: true, OperatorInput: true},
			&TagDefinition{TagFile: bagit.BagInfoFile, TagName: "Contact-Email"},
			&TagDefinition{TagFile: bagit.BagInfoFile, TagName: "External-Description"},
			&TagDefinition{TagFile: bagit.BagInfoFile, TagName: BaggingDateTag, Required: true},
			&TagDefinition{TagFile: bagit.BagInfoFile, TagName: PayloadOxumTag, Required: true},
		),
	}
}
