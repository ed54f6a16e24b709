package bagit

import (
	"bytes"
	"strings"
	"testing"
)

func TestTagFileRoundtrip(t *testing.T) {
	tf := &TagFile{Name: BagInfoFile}
	tf.Add("Source-Organization", "University of Notre Dame")
	tf.Add("Internal-Sender-Description", "line one\nline two")
	tf.Add("Bag-Count", "1 of 1")

	var buf bytes.Buffer
	if err := tf.Render(&buf); err != nil {
		t.Fatal(err)
	}
	const goal = "Source-Organization: University of Notre Dame\n" +
		"Internal-Sender-Description: line one\n  line two\n" +
		"Bag-Count: 1 of 1\n"
	if buf.String() != goal {
		t.Errorf("Received %q, expected %q", buf.String(), goal)
	}

	tf2, err := ParseTagFile(&buf, BagInfoFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(tf2.Tags) != 3 {
		t.Fatalf("Received %d tags, expected 3", len(tf2.Tags))
	}
	for i := range tf.Tags {
		if tf2.Tags[i] != tf.Tags[i] {
			t.Errorf("Received %v, expected %v", tf2.Tags[i], tf.Tags[i])
		}
	}
	if tf2.Get("source-organization") != "University of Notre Dame" {
		t.Errorf("Case insensitive lookup failed")
	}
	if tf2.Has("Contact-Name") {
		t.Errorf("Found a tag that is not there")
	}
}

func TestBagItTxt(t *testing.T) {
	var buf bytes.Buffer
	BagItTxt("0.97").Render(&buf)
	const goal = "BagIt-Version: 0.97\nTag-File-Character-Encoding: UTF-8\n"
	if buf.String() != goal {
		t.Errorf("Received %q, expected %q", buf.String(), goal)
	}
}

func TestParseTagFileErrors(t *testing.T) {
	var table = []string{
		"  continuation first\n",
		"no colon here\n",
		": no label\n",
	}
	for _, input := range table {
		_, err := ParseTagFile(strings.NewReader(input), "x.txt")
		if err == nil {
			t.Errorf("%q: expected an error", input)
		}
	}
}
