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

// SRnges represents a collection of signed ranges
type SRnges struct {
	rnges []*SRng
}

// SRng represents a single signed range
type SRng struct {
	min int64
	max int64
}

func NewSrnges() *SRnges {
	r := &SRnges{}
	return r
}

// ParseSRnges parses a yang range expression such as "-10..10|20".
func ParseSRnges(s string) (*SRnges, error) {
	r := NewSrnges()
	err := parseRangeExpr(s, func(lo, hi string) error {
		min, err := strconv.ParseInt(lo, 10, 64)
		if err != nil {
			return err
		}
		max, err := strconv.ParseInt(hi, 10, 64)
		if err != nil {
			return err
		}
		r.AddRange(min, max)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SRng) IsInRange(value int64) bool {
	return r.min <= value && value <= r.max
}

func (r *SRng) String() string {
	return fmt.Sprintf("%d..%d", r.min, r.max)
}

// IsWithinAnyRange reports whether val lies in one of the ranges. An empty
// collection accepts every value.
func (r *SRnges) IsWithinAnyRange(val int64) bool {
	if len(r.rnges) == 0 {
		return true
	}
	for _, rng := range r.rnges {
		if rng.IsInRange(val) {
			return true
		}
	}
	return false
}

func (r *SRnges) IsWithinAnyRangeString(value string) (int64, error) {
	intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, err
	}
	if r.IsWithinAnyRange(intValue) {
		return intValue, nil
	}
	return 0, fmt.Errorf("%q not within ranges %s", value, r)
}

func (r *SRnges) AddRange(min, max int64) {
	r.rnges = append(r.rnges, &SRng{
		min: min,
		max: max,
	})
}

func (r *SRnges) String() string {
	parts := make([]string, 0, len(r.rnges))
	for _, sr := range r.rnges {
		parts = append(parts, sr.String())
	}
	return strings.Join(parts, "|")
}

// parseRangeExpr splits a yang range or length expression into its parts
// and hands the bounds of each to add.
func parseRangeExpr(s string, add func(lo, hi string) error) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		lo, hi, found := strings.Cut(part, "..")
		if !found {
			hi = lo
		}
		if err := add(strings.TrimSpace(lo), strings.TrimSpace(hi)); err != nil {
			return fmt.Errorf("invalid range %q: %w", part, err)
		}
	}
	return nil
}
