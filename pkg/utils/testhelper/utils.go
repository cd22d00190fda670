package testhelper

import (
	_ "embed"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sdcio/dsruntime/pkg/schema"
)

//go:embed testdata/example.yang
var exampleYang string

// ExampleModule is the name of the module in testdata/example.yang.
const ExampleModule = "example"

// ExampleSources returns the module sources used by LoadSchema.
func ExampleSources() map[string]string {
	return map[string]string{"example.yang": exampleYang}
}

// LoadSchema compiles testdata/example.yang, failing the test on error.
func LoadSchema(t testing.TB) *schema.Schema {
	t.Helper()
	s, err := schema.Parse(ExampleSources())
	if err != nil {
		t.Fatalf("failed to parse example schema: %v", err)
	}
	return s
}

// DiffStringSlice compares two string slices ignoring order. The inputs are
// left untouched.
func DiffStringSlice(s1, s2 []string) string {
	a := slices.Clone(s1)
	b := slices.Clone(s2)
	slices.Sort(a)
	slices.Sort(b)
	return cmp.Diff(a, b)
}
