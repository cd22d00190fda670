package types

import (
	"slices"
	"sort"
	"sync"
)

// ValidationResult is map[string]*ValidationResultModule keyed by module name,
// so consider iterating via range
type ValidationResult map[string]*ValidationResultModule

func (v ValidationResult) AddModule(module string) {
	_, exists := v[module]
	if exists {
		return
	}
	v[module] = NewValidationResultModule(module)
}

func (v ValidationResult) AddEntry(e *ValidationResultEntry) {
	r, exists := v[e.module]
	if !exists {
		r = NewValidationResultModule(e.module)
		v[e.module] = r
	}
	r.AddEntry(e)
}

func (v ValidationResult) HasErrors() bool {
	for _, m := range v {
		if len(m.Errors()) > 0 {
			return true
		}
	}
	return false
}

func (v ValidationResult) HasWarnings() bool {
	for _, m := range v {
		if len(m.Warnings()) > 0 {
			return true
		}
	}
	return false
}

// Diagnostics returns all errors, ordered by module name.
func (v ValidationResult) Diagnostics() []Diagnostic {
	modules := make([]string, 0, len(v))
	for name := range v {
		modules = append(modules, name)
	}
	sort.Strings(modules)
	result := []Diagnostic{}
	for _, name := range modules {
		result = append(result, v[name].Errors()...)
	}
	return result
}

func (v ValidationResult) WarningsStr() []string {
	result := []string{}
	for _, m := range v {
		for _, w := range m.Warnings() {
			result = append(result, w.String())
		}
	}
	return result
}

// Err returns a ValidationError holding every error diagnostic, or nil.
func (v ValidationResult) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return NewValidationError(v.Diagnostics()...)
}

type ValidationResultModule struct {
	module        string
	errors        []Diagnostic
	errorsMutex   sync.Mutex
	warnings      []Diagnostic
	warningsMutex sync.Mutex
}

func NewValidationResultModule(module string) *ValidationResultModule {
	return &ValidationResultModule{
		module:   module,
		errors:   []Diagnostic{},
		warnings: []Diagnostic{},
	}
}

func (v *ValidationResultModule) AddEntry(x *ValidationResultEntry) {
	switch x.typ {
	case ValidationResultEntryTypeError:
		v.AddError(x.diag)
	case ValidationResultEntryTypeWarning:
		v.AddWarning(x.diag)
	}
}

func (v *ValidationResultModule) AddError(d Diagnostic) {
	v.errorsMutex.Lock()
	defer v.errorsMutex.Unlock()
	v.errors = append(v.errors, d)
}

func (v *ValidationResultModule) AddWarning(d Diagnostic) {
	v.warningsMutex.Lock()
	defer v.warningsMutex.Unlock()
	v.warnings = append(v.warnings, d)
}

func (v *ValidationResultModule) Errors() []Diagnostic {
	v.errorsMutex.Lock()
	defer v.errorsMutex.Unlock()
	return slices.Clone(v.errors)
}

func (v *ValidationResultModule) Warnings() []Diagnostic {
	v.warningsMutex.Lock()
	defer v.warningsMutex.Unlock()
	return slices.Clone(v.warnings)
}

type ValidationResultEntry struct {
	module string
	diag   Diagnostic
	typ    ValidationResultEntryType
}

func NewValidationResultEntry(module string, path string, message string, typ ValidationResultEntryType) *ValidationResultEntry {
	return &ValidationResultEntry{
		module: module,
		diag:   Diagnostic{Message: message, Path: path},
		typ:    typ,
	}
}

type ValidationResultEntryType int8

const (
	ValidationResultEntryTypeError ValidationResultEntryType = iota
	ValidationResultEntryTypeWarning
)
