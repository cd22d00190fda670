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
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/openconfig/gnmi/proto/gnmi"
	"google.golang.org/protobuf/proto"
)

// empty leaves are carried the way RFC 7951 encodes them
var emptyJSON = []byte("[null]")

// EmptyValue returns the value of a leaf of type empty.
func EmptyValue() *gnmi.TypedValue {
	return &gnmi.TypedValue{Value: &gnmi.TypedValue_JsonIetfVal{JsonIetfVal: emptyJSON}}
}

func IsEmptyValue(tv *gnmi.TypedValue) bool {
	return tv != nil && bytes.Equal(tv.GetJsonIetfVal(), emptyJSON)
}

// GetValue returns the native Go value of tv: string, bool, int64, uint64,
// float64 for decimals, []byte for binary, nil for empty leaves and
// json.RawMessage for opaque json content.
func GetValue(tv *gnmi.TypedValue) (any, error) {
	if tv == nil {
		return nil, nil
	}
	switch v := tv.GetValue().(type) {
	case *gnmi.TypedValue_StringVal:
		return v.StringVal, nil
	case *gnmi.TypedValue_AsciiVal:
		return v.AsciiVal, nil
	case *gnmi.TypedValue_BoolVal:
		return v.BoolVal, nil
	case *gnmi.TypedValue_IntVal:
		return v.IntVal, nil
	case *gnmi.TypedValue_UintVal:
		return v.UintVal, nil
	case *gnmi.TypedValue_DecimalVal:
		//lint:ignore SA1019 decimal64 leaves are carried as DecimalVal
		return DecimalToFloat(v.DecimalVal), nil
	case *gnmi.TypedValue_DoubleVal:
		return v.DoubleVal, nil
	case *gnmi.TypedValue_BytesVal:
		return v.BytesVal, nil
	case *gnmi.TypedValue_JsonIetfVal:
		if IsEmptyValue(tv) {
			return nil, nil
		}
		return json.RawMessage(bytes.Clone(v.JsonIetfVal)), nil
	case *gnmi.TypedValue_JsonVal:
		return json.RawMessage(bytes.Clone(v.JsonVal)), nil
	}
	return nil, fmt.Errorf("unsupported typed value %T", tv.GetValue())
}

// TypedValueToString renders tv in its canonical yang string form.
func TypedValueToString(tv *gnmi.TypedValue) string {
	if tv == nil {
		return ""
	}
	switch v := tv.GetValue().(type) {
	case *gnmi.TypedValue_StringVal:
		return v.StringVal
	case *gnmi.TypedValue_AsciiVal:
		return v.AsciiVal
	case *gnmi.TypedValue_BoolVal:
		return strconv.FormatBool(v.BoolVal)
	case *gnmi.TypedValue_IntVal:
		return strconv.FormatInt(v.IntVal, 10)
	case *gnmi.TypedValue_UintVal:
		return strconv.FormatUint(v.UintVal, 10)
	case *gnmi.TypedValue_DecimalVal:
		//lint:ignore SA1019 decimal64 leaves are carried as DecimalVal
		return DecimalToString(v.DecimalVal)
	case *gnmi.TypedValue_DoubleVal:
		return strconv.FormatFloat(v.DoubleVal, 'f', -1, 64)
	case *gnmi.TypedValue_BytesVal:
		return base64.StdEncoding.EncodeToString(v.BytesVal)
	case *gnmi.TypedValue_JsonIetfVal:
		if IsEmptyValue(tv) {
			return ""
		}
		return string(v.JsonIetfVal)
	case *gnmi.TypedValue_JsonVal:
		return string(v.JsonVal)
	}
	return tv.String()
}

// EqualValues compares two leaf values.
func EqualValues(a, b *gnmi.TypedValue) bool {
	return proto.Equal(a, b)
}

// ParseDecimal64 parses v keeping every given fraction digit.
func ParseDecimal64(v string) (*gnmi.Decimal64, error) {
	trimmed := strings.TrimSpace(v)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty decimal64 value")
	}
	intPart, fracPart, _ := strings.Cut(trimmed, ".")
	digits, err := strconv.ParseInt(intPart+fracPart, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal64 value %q: %w", v, err)
	}
	return &gnmi.Decimal64{
		Digits:    digits,
		Precision: uint32(len(fracPart)),
	}, nil
}

// ScaleDecimal64 brings d to the given precision, failing if digits would
// be lost.
func ScaleDecimal64(d *gnmi.Decimal64, precision uint32) (*gnmi.Decimal64, error) {
	digits := d.Digits
	p := d.Precision
	for p > precision {
		if digits%10 != 0 {
			return nil, fmt.Errorf("%s has more than %d fraction digits", DecimalToString(d), precision)
		}
		digits /= 10
		p--
	}
	for p < precision {
		next := digits * 10
		if next/10 != digits {
			return nil, fmt.Errorf("%s overflows decimal64 with %d fraction digits", DecimalToString(d), precision)
		}
		digits = next
		p++
	}
	return &gnmi.Decimal64{Digits: digits, Precision: precision}, nil
}

func DecimalToString(d *gnmi.Decimal64) string {
	if d == nil {
		return ""
	}
	if d.Precision == 0 {
		return strconv.FormatInt(d.Digits, 10)
	}
	neg := d.Digits < 0
	abs := strconv.FormatUint(absInt64(d.Digits), 10)
	for len(abs) <= int(d.Precision) {
		abs = "0" + abs
	}
	cut := len(abs) - int(d.Precision)
	s := abs[:cut] + "." + abs[cut:]
	if neg {
		s = "-" + s
	}
	return s
}

func DecimalToFloat(d *gnmi.Decimal64) float64 {
	f, _ := strconv.ParseFloat(DecimalToString(d), 64)
	return f
}

func absInt64(i int64) uint64 {
	if i < 0 {
		return uint64(-(i + 1)) + 1
	}
	return uint64(i)
}
