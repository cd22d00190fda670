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

package utils

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/openconfig/goyang/pkg/yang"
	log "github.com/sirupsen/logrus"

	"github.com/sdcio/dsruntime/pkg/schema"
)

// Convert parses value, given in its yang string form, into the typed value
// of the leaf or leaf-list e.
func Convert(value string, e *yang.Entry) (*gnmi.TypedValue, error) {
	if e == nil || e.Type == nil {
		return nil, fmt.Errorf("schema node has no type")
	}
	return convertType(value, e.Type, e)
}

func convertType(value string, yt *yang.YangType, e *yang.Entry) (*gnmi.TypedValue, error) {
	switch yt.Kind {
	case yang.Ystring:
		return ConvertString(value, yt)
	case yang.Yunion:
		return ConvertUnion(value, yt, e)
	case yang.Ybool:
		return ConvertBoolean(value, yt)
	case yang.Yint8, yang.Yint16, yang.Yint32, yang.Yint64:
		return convertInt(value, yt)
	case yang.Yuint8, yang.Yuint16, yang.Yuint32, yang.Yuint64:
		return convertUint(value, yt)
	case yang.Yenum:
		return ConvertEnumeration(value, yt)
	case yang.Yempty:
		if value != "" {
			return nil, fmt.Errorf("illegal value %q for empty type", value)
		}
		return EmptyValue(), nil
	case yang.Ybits:
		return ConvertBits(value, yt)
	case yang.Ybinary:
		return ConvertBinary(value, yt)
	case yang.Yleafref:
		return ConvertLeafRef(value, yt, e)
	case yang.Yidentityref:
		return ConvertIdentityRef(value, yt)
	case yang.YinstanceIdentifier:
		// the referenced instance is not checked here
		return ConvertString(value, yt)
	case yang.Ydecimal64:
		return ConvertDecimal64(value, yt)
	}
	log.Warnf("type %q not implemented", yt.Kind)
	return ConvertString(value, yt)
}

func ConvertIdentityRef(value string, yt *yang.YangType) (*gnmi.TypedValue, error) {
	if yt.IdentityBase == nil {
		return stringValue(value), nil
	}
	_, name, found := strings.Cut(value, ":")
	if !found {
		name = value
	}
	names := make([]string, 0, len(yt.IdentityBase.Values))
	for _, id := range yt.IdentityBase.Values {
		if id.Name == name {
			return stringValue(value), nil
		}
		names = append(names, id.Name)
	}
	return nil, fmt.Errorf("value %q is not derived from identity %q [%s]", value, yt.IdentityBase.Name, strings.Join(names, ", "))
}

// ConvertBinary decodes the base64 form of a binary leaf.
func ConvertBinary(value string, yt *yang.YangType) (*gnmi.TypedValue, error) {
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("illegal base64 value %q: %w", value, err)
	}
	return binaryValue(b, yt)
}

func binaryValue(b []byte, yt *yang.YangType) (*gnmi.TypedValue, error) {
	if err := checkLength(uint64(len(b)), yt); err != nil {
		return nil, err
	}
	return &gnmi.TypedValue{Value: &gnmi.TypedValue_BytesVal{BytesVal: b}}, nil
}

// ConvertLeafRef converts value as the type of the referenced leaf. Whether
// the referenced instance exists is checked during validation.
func ConvertLeafRef(value string, yt *yang.YangType, e *yang.Entry) (*gnmi.TypedValue, error) {
	if target := LeafrefTarget(e, yt.Path); target != nil && target.Type != nil {
		return convertType(value, target.Type, target)
	}
	return stringValue(value), nil
}

func ConvertEnumeration(value string, yt *yang.YangType) (*gnmi.TypedValue, error) {
	if yt.Enum == nil {
		return stringValue(value), nil
	}
	names := yt.Enum.Names()
	if slices.Contains(names, value) {
		return stringValue(value), nil
	}
	return nil, fmt.Errorf("value %q does not match any valid enum values [%s]", value, strings.Join(names, ", "))
}

func ConvertBits(value string, yt *yang.YangType) (*gnmi.TypedValue, error) {
	if yt.Bit == nil {
		return stringValue(value), nil
	}
	names := yt.Bit.Names()
	if !validateBitString(value, names) {
		return nil, fmt.Errorf("bits value %q must list distinct bits of [%s]", value, strings.Join(names, " "))
	}
	return stringValue(strings.Join(strings.Fields(value), " ")), nil
}

// validateBitString reports whether every bit named in value is defined and
// named only once.
func validateBitString(value string, names []string) bool {
	seen := map[string]struct{}{}
	for _, b := range strings.Fields(value) {
		if !slices.Contains(names, b) {
			return false
		}
		if _, dup := seen[b]; dup {
			return false
		}
		seen[b] = struct{}{}
	}
	return true
}

func ConvertBoolean(value string, _ *yang.YangType) (*gnmi.TypedValue, error) {
	var bval bool
	switch value {
	case "true":
		bval = true
	case "false":
		bval = false
	default:
		return nil, fmt.Errorf("illegal value %q for boolean type", value)
	}
	return &gnmi.TypedValue{
		Value: &gnmi.TypedValue_BoolVal{
			BoolVal: bval,
		},
	}, nil
}

func convertUint(value string, yt *yang.YangType) (*gnmi.TypedValue, error) {
	// the builtin bounds of the type
	bounds := NewUrnges()
	switch yt.Kind {
	case yang.Yuint8:
		bounds.addRange(0, math.MaxUint8)
	case yang.Yuint16:
		bounds.addRange(0, math.MaxUint16)
	case yang.Yuint32:
		bounds.addRange(0, math.MaxUint32)
	}
	val, err := bounds.isWithinAnyRangeString(value)
	if err != nil {
		return nil, err
	}
	if ranges := typeURanges(yt.Range.String()); ranges != nil && !ranges.isWithinAnyRange(val) {
		return nil, fmt.Errorf("%q not within ranges %s", value, ranges)
	}
	return &gnmi.TypedValue{Value: &gnmi.TypedValue_UintVal{UintVal: val}}, nil
}

func convertInt(value string, yt *yang.YangType) (*gnmi.TypedValue, error) {
	bounds := NewSrnges()
	switch yt.Kind {
	case yang.Yint8:
		bounds.AddRange(math.MinInt8, math.MaxInt8)
	case yang.Yint16:
		bounds.AddRange(math.MinInt16, math.MaxInt16)
	case yang.Yint32:
		bounds.AddRange(math.MinInt32, math.MaxInt32)
	}
	val, err := bounds.IsWithinAnyRangeString(value)
	if err != nil {
		return nil, err
	}
	if ranges := typeSRanges(yt.Range.String()); ranges != nil && !ranges.IsWithinAnyRange(val) {
		return nil, fmt.Errorf("%q not within ranges %s", value, ranges)
	}
	return &gnmi.TypedValue{Value: &gnmi.TypedValue_IntVal{IntVal: val}}, nil
}

func typeURanges(expr string) *URnges {
	r, err := ParseURnges(expr)
	if err != nil {
		log.Debugf("ignoring range %q: %v", expr, err)
		return nil
	}
	return r
}

func typeSRanges(expr string) *SRnges {
	r, err := ParseSRnges(expr)
	if err != nil {
		log.Debugf("ignoring range %q: %v", expr, err)
		return nil
	}
	return r
}

func checkLength(l uint64, yt *yang.YangType) error {
	if yt == nil || len(yt.Length) == 0 {
		return nil
	}
	if ranges := typeURanges(yt.Length.String()); ranges != nil && !ranges.isWithinAnyRange(l) {
		return fmt.Errorf("length %d not within %s", l, ranges)
	}
	return nil
}

func ConvertString(value string, yt *yang.YangType) (*gnmi.TypedValue, error) {
	if yt == nil {
		return stringValue(value), nil
	}
	// length is counted in characters
	if err := checkLength(uint64(utf8.RuneCountInString(value)), yt); err != nil {
		return nil, fmt.Errorf("%q: %w", value, err)
	}
	// multiple patterns are ANDed together
	for _, p := range yt.Pattern {
		re, err := compilePattern(p)
		if err != nil {
			log.Errorf("unable to compile regex %q: %v", p, err)
			continue
		}
		if !re.MatchString(value) {
			return nil, fmt.Errorf("%q does not match pattern %q", value, p)
		}
	}
	return stringValue(value), nil
}

func ConvertDecimal64(value string, yt *yang.YangType) (*gnmi.TypedValue, error) {
	d64, err := ParseDecimal64(value)
	if err != nil {
		return nil, err
	}
	if yt.FractionDigits > 0 {
		d64, err = ScaleDecimal64(d64, uint32(yt.FractionDigits))
		if err != nil {
			return nil, err
		}
	}
	if expr := yt.Range.String(); expr != "" {
		f := DecimalToFloat(d64)
		inRange := false
		err := parseRangeExpr(expr, func(lo, hi string) error {
			min, err := strconv.ParseFloat(lo, 64)
			if err != nil {
				return err
			}
			max, err := strconv.ParseFloat(hi, 64)
			if err != nil {
				return err
			}
			if min <= f && f <= max {
				inRange = true
			}
			return nil
		})
		if err == nil && !inRange {
			return nil, fmt.Errorf("%q not within ranges %s", value, expr)
		}
	}
	return &gnmi.TypedValue{
		Value: &gnmi.TypedValue_DecimalVal{
			DecimalVal: d64,
		},
	}, nil
}

// ConvertUnion tries the member types in order; the first one accepting
// value wins.
func ConvertUnion(value string, yt *yang.YangType, e *yang.Entry) (*gnmi.TypedValue, error) {
	for _, member := range yt.Type {
		tv, err := convertType(value, member, e)
		if err != nil {
			continue
		}
		return tv, nil
	}
	return nil, fmt.Errorf("no union type fit the provided value %q", value)
}

// ConvertJsonValueToTv converts a native Go value, as found in decoded json
// or yaml documents, into the typed value of the leaf or leaf-list e.
func ConvertJsonValueToTv(d any, e *yang.Entry) (*gnmi.TypedValue, error) {
	if e == nil || e.Type == nil {
		return nil, fmt.Errorf("schema node has no type")
	}
	return convertNative(d, e.Type, e)
}

func convertNative(d any, yt *yang.YangType, e *yang.Entry) (*gnmi.TypedValue, error) {
	switch yt.Kind {
	case yang.Yunion:
		for _, member := range yt.Type {
			tv, err := convertNative(d, member, e)
			if err == nil {
				return tv, nil
			}
		}
		return nil, fmt.Errorf("invalid value %v for union type", d)
	case yang.Yleafref:
		if target := LeafrefTarget(e, yt.Path); target != nil && target.Type != nil {
			return convertNative(d, target.Type, target)
		}
		s, ok := d.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", d)
		}
		return stringValue(s), nil
	case yang.Yempty:
		switch v := d.(type) {
		case nil, struct{}:
			return EmptyValue(), nil
		case bool:
			if v {
				return EmptyValue(), nil
			}
		case []any:
			if len(v) == 1 && v[0] == nil {
				return EmptyValue(), nil
			}
		}
		return nil, fmt.Errorf("illegal value %v for empty type", d)
	case yang.Ybool:
		switch v := d.(type) {
		case bool:
			return &gnmi.TypedValue{Value: &gnmi.TypedValue_BoolVal{BoolVal: v}}, nil
		case string:
			return ConvertBoolean(v, yt)
		}
		return nil, fmt.Errorf("expected a boolean, got %T", d)
	case yang.Yint8, yang.Yint16, yang.Yint32, yang.Yint64,
		yang.Yuint8, yang.Yuint16, yang.Yuint32, yang.Yuint64,
		yang.Ydecimal64:
		s, ok := numericString(d)
		if !ok {
			return nil, fmt.Errorf("expected a number, got %T", d)
		}
		return convertType(s, yt, e)
	case yang.Ybinary:
		switch v := d.(type) {
		case []byte:
			return binaryValue(v, yt)
		case string:
			return ConvertBinary(v, yt)
		}
		return nil, fmt.Errorf("expected bytes, got %T", d)
	}
	s, ok := d.(string)
	if !ok {
		return nil, fmt.Errorf("expected a string, got %T", d)
	}
	return convertType(s, yt, e)
}

func numericString(d any) (string, bool) {
	switch v := d.(type) {
	case int:
		return strconv.FormatInt(int64(v), 10), true
	case int8:
		return strconv.FormatInt(int64(v), 10), true
	case int16:
		return strconv.FormatInt(int64(v), 10), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint:
		return strconv.FormatUint(uint64(v), 10), true
	case uint8:
		return strconv.FormatUint(uint64(v), 10), true
	case uint16:
		return strconv.FormatUint(uint64(v), 10), true
	case uint32:
		return strconv.FormatUint(uint64(v), 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		return v.String(), true
	case string:
		// 64 bit numbers travel as strings in json
		return v, true
	}
	return "", false
}

func stringValue(s string) *gnmi.TypedValue {
	return &gnmi.TypedValue{Value: &gnmi.TypedValue_StringVal{StringVal: s}}
}

// LeafrefTarget follows the leafref path of e through the schema of the
// module e is defined in. Predicates are ignored. It returns nil if the
// target cannot be found.
func LeafrefTarget(e *yang.Entry, path string) *yang.Entry {
	if e == nil || path == "" {
		return nil
	}
	path = stripPredicates(path)
	cur := e
	elems := strings.Split(path, "/")
	if strings.HasPrefix(path, "/") {
		for cur.Parent != nil {
			cur = cur.Parent
		}
		elems = elems[1:]
	}
	for _, el := range elems {
		el = strings.TrimSpace(el)
		switch el {
		case "", ".":
			continue
		case "..":
			cur = schema.DataParent(cur)
		default:
			if _, name, found := strings.Cut(el, ":"); found {
				el = name
			}
			cur = schema.Child(cur, "", el, false)
		}
		if cur == nil {
			return nil
		}
	}
	return cur
}

func stripPredicates(p string) string {
	sb := &strings.Builder{}
	depth := 0
	for _, r := range p {
		switch {
		case r == '[':
			depth++
		case r == ']':
			depth--
		case depth == 0:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

var patternCache sync.Map

func compilePattern(p string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(p); ok {
		return re.(*regexp.Regexp), nil
	}
	// yang patterns are implicitly anchored
	re, err := regexp.Compile("^(?:" + XMLRegexConvert(p) + ")$")
	if err != nil {
		return nil, err
	}
	patternCache.Store(p, re)
	return re, nil
}

// XMLRegexConvert turns an XSD regular expression into one for the regexp
// package. XSD has no anchors, so ^ and $ are literals and get escaped,
// except for a leading ^ negating a character class.
func XMLRegexConvert(s string) string {
	sb := &strings.Builder{}
	escaped := false
	inClass := false
	classStart := -1
	for i, r := range s {
		switch {
		case escaped:
			escaped = false
			sb.WriteRune(r)
		case r == '\\':
			escaped = true
			sb.WriteRune(r)
		case r == '[' && !inClass:
			inClass = true
			classStart = i + 1
			sb.WriteRune(r)
		case r == ']' && inClass:
			inClass = false
			sb.WriteRune(r)
		case r == '^':
			if inClass && i == classStart {
				sb.WriteRune(r)
			} else {
				sb.WriteString(`\^`)
			}
		case r == '$':
			sb.WriteString(`\$`)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
