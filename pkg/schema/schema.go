// Copyright 2024 Nokia
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package schema

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/openconfig/goyang/pkg/yang"
	log "github.com/sirupsen/logrus"

	"github.com/sdcio/dsruntime/pkg/config"
)

var generation atomic.Uint64

// Schema is one compiled schema context. It is immutable once built; a
// reload produces a new Schema that is swapped in through Context.
type Schema struct {
	config *config.SchemaConfig

	root       *yang.Entry
	modules    *yang.Modules
	generation uint64
}

// ModuleInfo describes one loaded module.
type ModuleInfo struct {
	Name         string
	Namespace    string
	Prefix       string
	Revision     string
	Organization string
}

func New(sCfg *config.SchemaConfig) (*Schema, error) {
	sc := &Schema{
		config:  sCfg,
		modules: yang.NewModules(),
	}
	now := time.Now()
	files, err := findYangFiles(sCfg.Files)
	if err != nil {
		return nil, err
	}
	if err = sc.readYANGFiles(files); err != nil {
		return nil, err
	}
	sc.buildRoot()
	log.Infof("schema with %d modules parsed in %s", len(sc.root.Dir), time.Since(now))
	return sc, nil
}

// Parse builds a Schema from in-memory module sources keyed by file name.
func Parse(sources map[string]string) (*Schema, error) {
	sc := &Schema{
		config:  &config.SchemaConfig{},
		modules: yang.NewModules(),
	}
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := sc.modules.Parse(sources[name], name); err != nil {
			return nil, err
		}
	}
	if err := sc.process(); err != nil {
		return nil, err
	}
	sc.buildRoot()
	return sc, nil
}

func (s *Schema) buildRoot() {
	s.generation = generation.Add(1)
	s.root = &yang.Entry{
		Name: "root",
		Kind: yang.DirectoryEntry,
		Dir:  make(map[string]*yang.Entry, len(s.modules.Modules)),
		Annotation: map[string]interface{}{
			"schemapath": "/",
			"root":       true,
		},
	}
	for _, m := range s.modules.Modules {
		if _, ok := s.root.Dir[m.Name]; ok {
			continue
		}
		e := yang.ToEntry(m)
		s.root.Dir[e.Name] = e
	}
}

// Reload compiles the configured files again.
func (s *Schema) Reload() (*Schema, error) {
	return New(s.config)
}

func (s *Schema) Config() *config.SchemaConfig { return s.config }

// Generation increases with every compiled Schema in the process.
func (s *Schema) Generation() uint64 { return s.generation }

// Root returns the synthetic root whose Dir holds one entry per module.
func (s *Schema) Root() *yang.Entry { return s.root }

// Module returns the module entry by name, or nil.
func (s *Schema) Module(name string) *yang.Entry {
	return s.root.Dir[name]
}

// ModuleNames returns the loaded module names, sorted.
func (s *Schema) ModuleNames() []string {
	names := make([]string, 0, len(s.root.Dir))
	for name := range s.root.Dir {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Schema) Modules() []ModuleInfo {
	result := make([]ModuleInfo, 0, len(s.root.Dir))
	for _, name := range s.ModuleNames() {
		m := s.findModule(name)
		mi := ModuleInfo{Name: name}
		if m != nil {
			if m.Namespace != nil {
				mi.Namespace = m.Namespace.Name
			}
			if m.Prefix != nil {
				mi.Prefix = m.Prefix.Name
			}
			if m.Organization != nil {
				mi.Organization = m.Organization.Name
			}
			if len(m.Revision) > 0 {
				mi.Revision = m.Revision[0].Name
			}
		}
		result = append(result, mi)
	}
	return result
}

func (s *Schema) findModule(name string) *yang.Module {
	for _, m := range s.modules.Modules {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// TopLevel finds a top-level data node, rpc or notification. An empty module
// searches all modules.
func (s *Schema) TopLevel(module, name string) (*yang.Entry, error) {
	if module != "" {
		m := s.root.Dir[module]
		if m == nil {
			return nil, fmt.Errorf("unknown module %q", module)
		}
		if e := findChild(m, name); e != nil {
			return e, nil
		}
		return nil, fmt.Errorf("unknown element %q in module %q", name, module)
	}
	var found *yang.Entry
	for _, mname := range s.ModuleNames() {
		if e := findChild(s.root.Dir[mname], name); e != nil {
			if found != nil {
				return nil, fmt.Errorf("element %q is ambiguous, qualify it with a module name", name)
			}
			found = e
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown element %q", name)
	}
	return found, nil
}
