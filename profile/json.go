package profile

import (
	"bytes"
	"encoding/json"
	"io"
	"io/ioutil"
	"os"
	"strings"

	"github.com/antonholmquist/jason"
	"github.com/pkg/errors"

	"github.com/ndlib/bagship/bagit"
)

// Load reads a profile document from the given file.
func Load(fname string) (*BagItProfile, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p, err := ParseJSON(f)
	return p, errors.Wrap(err, fname)
}

// ParseJSON reads a profile document in the BagIt-Profiles JSON format. Tag
// definitions for files other than bag-info.txt are read from a "Tag-Files"
// object, keyed by tag file name, having the same form as "Bag-Info". Each
// tag definition may also have the keys "default", "emptyOk" and
// "operatorInput". Tags keep the order they have in the document.
//
// The returned profile is not validated.
func ParseJSON(r io.Reader) (*BagItProfile, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	doc, err := jason.NewObjectFromBytes(data)
	if err != nil {
		return nil, errors.Wrap(err, "parsing profile")
	}
	order, err := keyOrder(data)
	if err != nil {
		return nil, errors.Wrap(err, "parsing profile")
	}
	p := &BagItProfile{Serialization: SerializationOptional}

	if info, err := doc.GetObject("BagIt-Profile-Info"); err == nil {
		p.Info.Identifier, _ = info.GetString("BagIt-Profile-Identifier")
		p.Info.ContactName, _ = info.GetString("Contact-Name")
		p.Info.ContactEmail, _ = info.GetString("Contact-Email")
		p.Info.SourceOrganization, _ = info.GetString("Source-Organization")
		p.Info.ExternalDescription, _ = info.GetString("External-Description")
		p.Info.Version, _ = info.GetString("Version")
	}
	if p.AcceptedVersions, err = stringArray(doc, "Accept-BagIt-Version"); err != nil {
		return nil, err
	}
	formats, err := stringArray(doc, "Accept-Serialization")
	if err != nil {
		return nil, err
	}
	for _, mimetype := range formats {
		f, err := bagit.FormatFromMIMEType(mimetype)
		if err != nil {
			// keep it so validation can report it
			f = bagit.Format(mimetype)
		}
		p.AcceptedSerializationFormats = append(p.AcceptedSerializationFormats, f)
	}
	if present(doc, "Serialization") {
		s, err := doc.GetString("Serialization")
		if err != nil {
			return nil, errors.Wrap(err, "Serialization")
		}
		p.Serialization = Policy(strings.ToLower(s))
	}
	if p.AllowFetchFile, err = boolean(doc, "Allow-Fetch.txt", true); err != nil {
		return nil, err
	}
	if p.AllowMiscTopLevelFiles, err = boolean(doc, "Allow-Misc-Top-Level-Files", true); err != nil {
		return nil, err
	}
	if p.AllowMiscDirectories, err = boolean(doc, "Allow-Misc-Directories", true); err != nil {
		return nil, err
	}
	if p.ManifestsRequired, err = algorithms(doc, "Manifests-Required"); err != nil {
		return nil, err
	}
	if p.TagManifestsRequired, err = algorithms(doc, "Tag-Manifests-Required"); err != nil {
		return nil, err
	}
	if p.TagFilesRequired, err = stringArray(doc, "Tag-Files-Required"); err != nil {
		return nil, err
	}

	if present(doc, "Bag-Info") {
		tags, err := doc.GetObject("Bag-Info")
		if err != nil {
			return nil, errors.Wrap(err, "Bag-Info")
		}
		defs, err := tagDefinitions(bagit.BagInfoFile, tags, order["Bag-Info"])
		if err != nil {
			return nil, err
		}
		p.Tags = append(p.Tags, defs...)
	}
	if present(doc, "Tag-Files") {
		files, err := doc.GetObject("Tag-Files")
		if err != nil {
			return nil, errors.Wrap(err, "Tag-Files")
		}
		for _, fname := range order["Tag-Files"] {
			tags, err := files.GetObject(fname)
			if err != nil {
				return nil, errors.Wrap(err, fname)
			}
			defs, err := tagDefinitions(fname, tags, order["Tag-Files/"+fname])
			if err != nil {
				return nil, err
			}
			p.Tags = append(p.Tags, defs...)
		}
	}
	return p, nil
}

func tagDefinitions(file string, tags *jason.Object, names []string) ([]*TagDefinition, error) {
	var result []*TagDefinition
	for _, name := range names {
		def, err := tags.GetObject(name)
		if err != nil {
			return nil, errors.Wrapf(err, "%s/%s", file, name)
		}
		t := &TagDefinition{TagFile: file, TagName: name}
		if t.Required, err = boolean(def, "required", false); err != nil {
			return nil, err
		}
		if t.EmptyOK, err = boolean(def, "emptyOk", false); err != nil {
			return nil, err
		}
		if t.OperatorInput, err = boolean(def, "operatorInput", false); err != nil {
			return nil, err
		}
		if t.AllowedValues, err = stringArray(def, "values"); err != nil {
			return nil, err
		}
		if present(def, "default") {
			if t.DefaultValue, err = def.GetString("default"); err != nil {
				return nil, errors.Wrapf(err, "%s/%s default", file, name)
			}
		}
		result = append(result, t)
	}
	return result, nil
}

// present returns true if key is in o and is not null.
func present(o *jason.Object, key string) bool {
	v, ok := o.Map()[key]
	return ok && v.Null() != nil
}

func boolean(o *jason.Object, key string, def bool) (bool, error) {
	if !present(o, key) {
		return def, nil
	}
	b, err := o.GetBoolean(key)
	return b, errors.Wrap(err, key)
}

func stringArray(o *jason.Object, key string) ([]string, error) {
	if !present(o, key) {
		return nil, nil
	}
	s, err := o.GetStringArray(key)
	return s, errors.Wrap(err, key)
}

func algorithms(o *jason.Object, key string) ([]bagit.Algorithm, error) {
	names, err := stringArray(o, key)
	var result []bagit.Algorithm
	for _, name := range names {
		a, err := bagit.ParseAlgorithm(name)
		if err != nil {
			// keep it so validation can report it
			a = bagit.Algorithm(strings.ToLower(name))
		}
		result = append(result, a)
	}
	return result, err
}

// keyOrder returns the order of the keys of every object in a JSON
// document, keyed by the path to the object. Path elements are joined with
// "/", the top level object has the path "". Arrays are not descended into.
func keyOrder(data []byte) (map[string][]string, error) {
	result := make(map[string][]string)
	dec := json.NewDecoder(bytes.NewReader(data))
	err := walkKeys(dec, "", result)
	return result, err
}

func walkKeys(dec *json.Decoder, prefix string, result map[string][]string) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch tok {
	case json.Delim('{'):
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			key := tok.(string)
			result[prefix] = append(result[prefix], key)
			child := key
			if prefix != "" {
				child = prefix + "/" + key
			}
			if err := walkKeys(dec, child, result); err != nil {
				return err
			}
		}
	case json.Delim('['):
		for dec.More() {
			if err := walkKeys(dec, prefix+"/[]", result); err != nil {
				return err
			}
		}
	default:
		return nil
	}
	_, err = dec.Token() // closing delimiter
	return err
}
