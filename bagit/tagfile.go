package bagit

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Tag is a single label and value in a tag file.
type Tag struct {
	Label string
	Value string
}

// TagFile holds the tags of one tag file, in order. A label may appear more
// than once.
type TagFile struct {
	Name string
	Tags []Tag
}

// Add appends a tag.
func (tf *TagFile) Add(label, value string) {
	tf.Tags = append(tf.Tags, Tag{Label: label, Value: value})
}

// Get returns the value of the first tag having the given label, or "" if
// there is none. Labels are compared case insensitively.
func (tf *TagFile) Get(label string) string {
	v, _ := tf.Lookup(label)
	return v
}

// Lookup is like Get, but also says if the label was present.
func (tf *TagFile) Lookup(label string) (string, bool) {
	for _, t := range tf.Tags {
		if strings.EqualFold(t.Label, label) {
			return t.Value, true
		}
	}
	return "", false
}

// Has returns true if the tag file has a tag with the given label.
func (tf *TagFile) Has(label string) bool {
	_, ok := tf.Lookup(label)
	return ok
}

// Render writes the tag file as "Label: Value" lines. Values are not
// wrapped. Newlines inside a value are written as continuation lines.
func (tf *TagFile) Render(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, t := range tf.Tags {
		value := strings.Replace(t.Value, "\n", "\n  ", -1)
		if _, err := fmt.Fprintf(bw, "%s: %s\n", t.Label, value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// BagItTxt returns the content of the bagit.txt file declaring the given
// BagIt version.
func BagItTxt(version string) *TagFile {
	return &TagFile{
		Name: BagItFile,
		Tags: []Tag{
			{Label: "BagIt-Version", Value: version},
			{Label: "Tag-File-Character-Encoding", Value: Encoding},
		},
	}
}

// ParseTagFile reads a tag file. A line beginning with white space continues
// the value of the previous tag. Blank lines are ignored.
func ParseTagFile(r io.Reader, name string) (*TagFile, error) {
	tf := &TagFile{Name: name}
	scanner := bufio.NewScanner(r)
	var n int
	for scanner.Scan() {
		n++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		// line beginning with white space is a continuation.
		if line[0] == ' ' || line[0] == '\t' {
			if len(tf.Tags) == 0 {
				return nil, fmt.Errorf("%s line %d: continuation without a tag", name, n)
			}
			last := &tf.Tags[len(tf.Tags)-1]
			last.Value += "\n" + strings.TrimSpace(line)
			continue
		}
		// otherwise split on first colon
		i := strings.Index(line, ":")
		if i <= 0 {
			return nil, fmt.Errorf("%s line %d: missing tag label", name, n)
		}
		tf.Add(strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tf, nil
}
