package config

import (
	"errors"
	"regexp"

	"github.com/AlekSi/pointer"
)

type SchemaConfig struct {
	Files       []string `yaml:"files,omitempty" json:"files,omitempty"`
	Directories []string `yaml:"directories,omitempty" json:"directories,omitempty"`
	Excludes    []string `yaml:"excludes,omitempty" json:"excludes,omitempty"`
	// reload the schema context when a file in Files or Directories changes
	Watch *bool `yaml:"watch,omitempty" json:"watch,omitempty"`
}

func (sc *SchemaConfig) validateSetDefaults() error {
	if len(sc.Files) == 0 {
		return errors.New("schema: no yang files configured")
	}
	var errs []error
	for _, e := range sc.Excludes {
		if _, err := regexp.Compile(e); err != nil {
			errs = append(errs, err)
		}
	}
	if sc.Watch == nil {
		sc.Watch = pointer.ToBool(false)
	}
	return errors.Join(errs...)
}

// WatchEnabled reports whether schema files are watched for changes.
func (sc *SchemaConfig) WatchEnabled() bool {
	return pointer.GetBool(sc.Watch)
}
