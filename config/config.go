// Package config reads the settings file of the bagship command and the job
// files describing what to package.
//
// A settings file looks like
//
//	output_dir = "/var/spool/bagship"
//	concurrency = 4
//	sentry_dsn = ""
//
//	[profiles]
//	aptrust = "/etc/bagship/aptrust.json"
//
//	[[destination]]
//	id = "archive"
//	protocol = "s3"
//	bucket = "deposits"
//	login = "..."
//	password = "..."
//
// and a job file looks like
//
//	package_name = "report-2020"
//	profile = "aptrust"
//	files = ["report.pdf", "figures/"]
//	destinations = ["archive"]
//
//	[[tag]]
//	file = "bag-info.txt"
//	name = "Source-Organization"
//	value = "Hesburgh Libraries"
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/ndlib/bagship/profile"
	"github.com/ndlib/bagship/storage"
)

// Config holds the settings for the bagship command.
type Config struct {
	OutputDir    string            `toml:"output_dir"`
	Concurrency  int               `toml:"concurrency"`
	SentryDSN    string            `toml:"sentry_dsn"`
	SkipHidden   bool              `toml:"skip_hidden"`
	Profiles     map[string]string `toml:"profiles"` // name -> path of a profile document
	Destinations []storage.Service `toml:"destination"`

	dir string // relative paths are resolved from here
}

const DefaultConcurrency = 2

var (
	ErrDuplicateDestination = errors.New("destination id used more than once")
	ErrMissingID            = errors.New("destination has no id")
	ErrUnknownDestination   = errors.New("no destination with that id")
	ErrUnknownProfile       = errors.New("no profile with that name")
)

// Load reads the settings file fname.
func Load(fname string) (*Config, error) {
	c := &Config{}
	if _, err := toml.DecodeFile(fname, c); err != nil {
		return nil, errors.Wrap(err, fname)
	}
	dir, err := filepath.Abs(filepath.Dir(fname))
	if err != nil {
		return nil, err
	}
	c.dir = dir
	return c, c.setup()
}

// Parse reads settings from a string. Relative paths are taken from the
// current directory.
func Parse(data string) (*Config, error) {
	c := &Config{}
	if _, err := toml.Decode(data, c); err != nil {
		return nil, err
	}
	return c, c.setup()
}

// setup fills in defaults and checks the destinations.
func (c *Config) setup() error {
	if c.OutputDir == "" {
		c.OutputDir = filepath.Join(os.TempDir(), "bagship")
	}
	c.OutputDir = c.resolve(c.OutputDir)
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	seen := make(map[string]bool)
	for _, svc := range c.Destinations {
		if svc.ID == "" {
			return ErrMissingID
		}
		if seen[svc.ID] {
			return errors.Wrap(ErrDuplicateDestination, svc.ID)
		}
		seen[svc.ID] = true
	}
	return nil
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Service returns the destination with the given id.
func (c *Config) Service(id string) (storage.Service, error) {
	for _, svc := range c.Destinations {
		if svc.ID == id {
			return svc, nil
		}
	}
	return storage.Service{}, errors.Wrap(ErrUnknownDestination, id)
}

// Profile returns a fresh copy of the profile called name. Names listed in
// the settings are loaded from their documents, other names are looked up
// among the built in profiles, and failing that name is tried as the path to
// a profile document.
func (c *Config) Profile(name string) (*profile.BagItProfile, error) {
	if fname, ok := c.Profiles[name]; ok {
		return profile.Load(c.resolve(fname))
	}
	if p := profile.BuiltIn(name); p != nil {
		return p, nil
	}
	if _, err := os.Stat(name); err == nil {
		return profile.Load(name)
	}
	return nil, errors.Wrap(ErrUnknownProfile, name)
}
