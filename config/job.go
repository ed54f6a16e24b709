package config

import (
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/ndlib/bagship/jobs"
)

// JobFile describes one job. File paths are relative to the job file.
type JobFile struct {
	PackageName  string     `toml:"package_name"`
	Profile      string     `toml:"profile"`
	Files        []string   `toml:"files"`
	Destinations []string   `toml:"destinations"`
	Tags         []TagValue `toml:"tag"`
}

// TagValue is a value for one tag in the profile. File defaults to
// bag-info.txt.
type TagValue struct {
	File  string `toml:"file"`
	Name  string `toml:"name"`
	Value string `toml:"value"`
}

// DefaultProfile is used by job files which do not name a profile.
const DefaultProfile = "bagit-default"

// LoadJob reads the job file fname.
func LoadJob(fname string) (*JobFile, error) {
	jf := &JobFile{}
	if _, err := toml.DecodeFile(fname, jf); err != nil {
		return nil, errors.Wrap(err, fname)
	}
	dir := filepath.Dir(fname)
	for i, f := range jf.Files {
		if !filepath.IsAbs(f) {
			jf.Files[i] = filepath.Join(dir, f)
		}
	}
	return jf, nil
}

// NewJob makes a job from a job file. The profile is a fresh copy carrying
// the tag values of the job file. Every destination must be configured.
func (c *Config) NewJob(jf *JobFile) (*jobs.Job, error) {
	name := jf.Profile
	if name == "" {
		name = DefaultProfile
	}
	p, err := c.Profile(name)
	if err != nil {
		return nil, err
	}
	for _, tv := range jf.Tags {
		file := tv.File
		if file == "" {
			file = "bag-info.txt"
		}
		if err := p.SetTagValue(file, tv.Name, tv.Value); err != nil {
			return nil, err
		}
	}
	job := jobs.New(p)
	if jf.PackageName != "" {
		job.PackageName = jf.PackageName
	}
	if err := job.AddFiles(jf.Files...); err != nil {
		return nil, err
	}
	for _, dest := range jf.Destinations {
		if _, err := c.Service(dest); err != nil {
			return nil, err
		}
		job.AddDestination(dest)
	}
	return job, nil
}
