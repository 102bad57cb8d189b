// Package constraints parses allocation requests into a structured,
// immutable constraint set.
//
// Requests arrive as flat, possibly multi-valued parameters (form values,
// query strings, JSON bodies flattened by the API). Each known key maps to
// exactly one Kind; any other key is ignored. Only a malformed value for a
// known key is an error.
package constraints

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"evalgo.org/metalpool/internal/errs"
)

// Kind is one of the closed set of constraint kinds.
type Kind int

const (
	KindName Kind = iota
	KindArch
	KindCPUCount
	KindMem
	KindTags
	KindNotTags
	KindZone
	KindNotInZone
	KindSubnets
	KindNotSubnets
	KindStorage
	KindInterfaces

	numKinds
)

var kindKeys = [numKinds]string{
	KindName:       "name",
	KindArch:       "arch",
	KindCPUCount:   "cpu_count",
	KindMem:        "mem",
	KindTags:       "tags",
	KindNotTags:    "not_tags",
	KindZone:       "zone",
	KindNotInZone:  "not_in_zone",
	KindSubnets:    "subnets",
	KindNotSubnets: "not_subnets",
	KindStorage:    "storage",
	KindInterfaces: "interfaces",
}

// Key returns the request parameter name of the kind.
func (k Kind) Key() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindKeys[k]
}

func (k Kind) String() string {
	return k.Key()
}

// KindForKey returns the kind a request parameter names.
func KindForKey(key string) (Kind, bool) {
	for k, name := range kindKeys {
		if name == key {
			return Kind(k), true
		}
	}
	return 0, false
}

// Set is a parsed constraint set. Every kind is optional; Has reports which
// were supplied. A Set is never modified after Parse returns it.
type Set struct {
	Name     string
	Arch     string
	CPUCount float64
	Mem      float64

	// Tags must all be present; NotTags must all be absent
	Tags    []string
	NotTags []string

	Zone      string
	NotInZone []string

	// Subnets is any-of, NotSubnets is none-of
	Subnets    []string
	NotSubnets []string

	Storage    []StorageConstraint
	Interfaces []InterfaceConstraint

	present [numKinds]bool
	raw     [numKinds]string
}

// Has reports whether the kind was supplied.
func (s *Set) Has(k Kind) bool {
	return k >= 0 && k < numKinds && s.present[k]
}

// Empty reports whether no constraint was supplied.
func (s *Set) Empty() bool {
	for _, p := range s.present {
		if p {
			return false
		}
	}
	return true
}

// Kinds returns the supplied kinds in canonical order.
func (s *Set) Kinds() []Kind {
	var kinds []Kind
	for k := Kind(0); k < numKinds; k++ {
		if s.present[k] {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// String renders the supplied constraints as "key=value" pairs, used to
// echo a request back in error messages.
func (s *Set) String() string {
	parts := make([]string, 0, numKinds)
	for _, k := range s.Kinds() {
		parts = append(parts, k.Key()+"="+s.raw[k])
	}
	return strings.Join(parts, " ")
}

// Parse builds a Set from request parameters.
func Parse(params map[string][]string) (*Set, error) {
	set := &Set{}

	for k := Kind(0); k < numKinds; k++ {
		values := nonEmpty(params[k.Key()])
		if len(values) == 0 {
			continue
		}
		if err := set.parseKind(k, values); err != nil {
			return nil, err
		}
		set.present[k] = true
	}

	return set, nil
}

func (s *Set) parseKind(k Kind, values []string) error {
	switch k {
	case KindName:
		s.Name = values[0]
		s.raw[k] = s.Name
	case KindArch:
		s.Arch = values[0]
		s.raw[k] = s.Arch
	case KindCPUCount:
		n, err := parseNumber(values[0])
		if err != nil {
			return errs.Invalid(k.Key(), "Invalid CPU count: number required.")
		}
		s.CPUCount = n
		s.raw[k] = values[0]
	case KindMem:
		n, err := parseNumber(values[0])
		if err != nil {
			return errs.Invalid(k.Key(), "Invalid memory: number of MiB required.")
		}
		s.Mem = n
		s.raw[k] = values[0]
	case KindTags:
		s.Tags = NormalizeList(values)
		s.raw[k] = strings.Join(s.Tags, ",")
	case KindNotTags:
		s.NotTags = NormalizeList(values)
		s.raw[k] = strings.Join(s.NotTags, ",")
	case KindZone:
		s.Zone = values[0]
		s.raw[k] = s.Zone
	case KindNotInZone:
		s.NotInZone = NormalizeList(values)
		s.raw[k] = strings.Join(s.NotInZone, ",")
	case KindSubnets:
		s.Subnets = NormalizeList(values)
		s.raw[k] = strings.Join(s.Subnets, ",")
	case KindNotSubnets:
		s.NotSubnets = NormalizeList(values)
		s.raw[k] = strings.Join(s.NotSubnets, ",")
	case KindStorage:
		raw := strings.Join(values, ",")
		storage, err := ParseStorage(raw)
		if err != nil {
			return err
		}
		s.Storage = storage
		s.raw[k] = raw
	case KindInterfaces:
		raw := strings.Join(values, ";")
		ifaces, err := ParseInterfaces(raw)
		if err != nil {
			return err
		}
		s.Interfaces = ifaces
		s.raw[k] = raw
	}
	return nil
}

// NormalizeList splits every value on commas and whitespace and returns the
// distinct names in first-seen order. "fast, stable", "fast stable" and
// ["fast", "stable"] all yield [fast stable].
func NormalizeList(values []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range values {
		fields := strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		})
		for _, f := range fields {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// parseNumber accepts integers and decimals such as "1.0".
func parseNumber(value string) (float64, error) {
	n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, err
	}
	if n < 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("invalid number %q", value)
	}
	return n, nil
}
