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
	"fmt"
	"strconv"
	"strings"
)

// URnges represents a collection of rng (range)
type URnges struct {
	rnges []*URng
}

// URng represents a single unsigned range
type URng struct {
	min uint64
	max uint64
}

func NewUrnges() *URnges {
	r := &URnges{}
	return r
}

// ParseURnges parses a yang range or length expression such as "1..63".
func ParseURnges(s string) (*URnges, error) {
	r := NewUrnges()
	err := parseRangeExpr(s, func(lo, hi string) error {
		min, err := strconv.ParseUint(lo, 10, 64)
		if err != nil {
			return err
		}
		max, err := strconv.ParseUint(hi, 10, 64)
		if err != nil {
			return err
		}
		r.addRange(min, max)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *URng) isInRange(value uint64) bool {
	return r.min <= value && value <= r.max
}

func (r *URng) String() string {
	return fmt.Sprintf("%d..%d", r.min, r.max)
}

func (r *URnges) isWithinAnyRange(value uint64) bool {
	if len(r.rnges) == 0 {
		return true
	}
	for _, rng := range r.rnges {
		if rng.isInRange(value) {
			return true
		}
	}
	return false
}

func (r *URnges) isWithinAnyRangeString(value string) (uint64, error) {
	uintValue, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, err
	}
	if r.isWithinAnyRange(uintValue) {
		return uintValue, nil
	}
	return 0, fmt.Errorf("%q not within ranges %s", value, r)
}

func (r *URnges) addRange(min, max uint64) {
	r.rnges = append(r.rnges, &URng{
		min: min,
		max: max,
	})
}

func (r *URnges) String() string {
	parts := make([]string, 0, len(r.rnges))
	for _, ur := range r.rnges {
		parts = append(parts, ur.String())
	}
	return strings.Join(parts, "|")
}
