package constraints

import (
	"math"
	"strconv"
	"strings"

	"evalgo.org/metalpool/internal/errs"
	"evalgo.org/metalpool/models"
)

// GB is the storage constraint size unit.
const GB = 1000 * 1000 * 1000

// StorageConstraint is a labelled storage requirement. A device satisfies
// the constraint if it satisfies any alternative.
type StorageConstraint struct {
	Label        string
	Alternatives []StorageSpec
}

// StorageSpec is one "size(tag,...)" expression.
type StorageSpec struct {
	// MinSize in bytes
	MinSize int64
	Tags    []string
}

// Matches reports whether the device satisfies this alternative.
func (s StorageSpec) Matches(d *models.StorageDevice) bool {
	if d.Size < s.MinSize {
		return false
	}
	for _, tag := range s.Tags {
		if !contains(d.Tags, tag) {
			return false
		}
	}
	return true
}

// Matches reports whether the device satisfies any alternative.
func (c StorageConstraint) Matches(d *models.StorageDevice) bool {
	for _, alt := range c.Alternatives {
		if alt.Matches(d) {
			return true
		}
	}
	return false
}

// InterfaceConstraint is a labelled interface requirement. An interface
// satisfies the constraint if it satisfies any alternative.
type InterfaceConstraint struct {
	Label        string
	Alternatives []InterfaceSpec
}

// InterfaceSpec is one "key=value,..." expression. Each attribute given
// must match; several values for one attribute are any-of.
type InterfaceSpec struct {
	Fabrics []string
	Subnets []string
	VIDs    []int
	Names   []string
	MACs    []string
}

// Matches reports whether the interface satisfies this alternative.
func (s InterfaceSpec) Matches(iface *models.Interface) bool {
	if len(s.Fabrics) > 0 && !contains(s.Fabrics, iface.Fabric) {
		return false
	}
	if len(s.Subnets) > 0 && !intersects(s.Subnets, iface.Subnets) {
		return false
	}
	if len(s.VIDs) > 0 {
		found := false
		for _, vid := range s.VIDs {
			if vid == iface.VLAN {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.Names) > 0 && !contains(s.Names, iface.Name) {
		return false
	}
	if len(s.MACs) > 0 && !containsFold(s.MACs, iface.MACAddress) {
		return false
	}
	return true
}

// Matches reports whether the interface satisfies any alternative.
func (c InterfaceConstraint) Matches(iface *models.Interface) bool {
	for _, alt := range c.Alternatives {
		if alt.Matches(iface) {
			return true
		}
	}
	return false
}

// ParseStorage parses "label:size(tag,tag),label2:size,...". Sizes are in
// GB and may be decimal. A missing label is replaced by the position of the
// entry. Repeated labels accumulate as alternatives.
func ParseStorage(raw string) ([]StorageConstraint, error) {
	parts, ok := splitTopLevel(raw, ',')
	if !ok {
		return nil, malformedStorage(raw)
	}

	var out []StorageConstraint
	index := make(map[string]int)
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, malformedStorage(raw)
		}

		label := strconv.Itoa(i)
		expr := part
		if colon := strings.Index(part, ":"); colon >= 0 && (strings.Index(part, "(") < 0 || colon < strings.Index(part, "(")) {
			label = strings.TrimSpace(part[:colon])
			expr = strings.TrimSpace(part[colon+1:])
			if label == "" {
				return nil, malformedStorage(part)
			}
		}

		spec, err := parseStorageSpec(expr)
		if err != nil {
			return nil, malformedStorage(part)
		}

		if at, seen := index[label]; seen {
			out[at].Alternatives = append(out[at].Alternatives, spec)
			continue
		}
		index[label] = len(out)
		out = append(out, StorageConstraint{Label: label, Alternatives: []StorageSpec{spec}})
	}
	return out, nil
}

func parseStorageSpec(expr string) (StorageSpec, error) {
	sizePart := expr
	var tags []string

	if open := strings.Index(expr, "("); open >= 0 {
		if !strings.HasSuffix(expr, ")") {
			return StorageSpec{}, errMalformed
		}
		sizePart = strings.TrimSpace(expr[:open])
		inner := expr[open+1 : len(expr)-1]
		if strings.ContainsAny(inner, "()") {
			return StorageSpec{}, errMalformed
		}
		tags = NormalizeList([]string{inner})
	}

	size, err := parseNumber(sizePart)
	if err != nil {
		return StorageSpec{}, errMalformed
	}
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
	bytes := size * GB
	if bytes >= float64(math.MaxInt64) {
		return StorageSpec{}, errMalformed
	}
	return StorageSpec{MinSize: int64(bytes), Tags: tags}, nil
}

// ParseInterfaces parses "label:key=value,key=value;label2:key=value".
// Recognised keys are fabric, subnet, vid, name and mac.
func ParseInterfaces(raw string) ([]InterfaceConstraint, error) {
	var out []InterfaceConstraint
	index := make(map[string]int)

	for i, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, malformedInterfaces(raw)
		}

		label := strconv.Itoa(i)
		expr := part
		eq := strings.Index(part, "=")
		if colon := strings.Index(part, ":"); colon >= 0 && (eq < 0 || colon < eq) {
			label = strings.TrimSpace(part[:colon])
			expr = strings.TrimSpace(part[colon+1:])
			if label == "" {
				return nil, malformedInterfaces(part)
			}
		}

		spec, err := parseInterfaceSpec(expr)
		if err != nil {
			return nil, malformedInterfaces(part)
		}

		if at, seen := index[label]; seen {
			out[at].Alternatives = append(out[at].Alternatives, spec)
			continue
		}
		index[label] = len(out)
		out = append(out, InterfaceConstraint{Label: label, Alternatives: []InterfaceSpec{spec}})
	}
	return out, nil
}

func parseInterfaceSpec(expr string) (InterfaceSpec, error) {
	var spec InterfaceSpec
	if expr == "" {
		return spec, errMalformed
	}

	for _, pair := range strings.Split(expr, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return spec, errMalformed
		}
		switch key {
		case "fabric":
			spec.Fabrics = append(spec.Fabrics, value)
		case "subnet":
			spec.Subnets = append(spec.Subnets, value)
		case "vid":
			vid, err := strconv.Atoi(value)
			if err != nil {
				return spec, errMalformed
			}
			spec.VIDs = append(spec.VIDs, vid)
		case "name":
			spec.Names = append(spec.Names, value)
		case "mac":
			spec.MACs = append(spec.MACs, value)
		default:
			return spec, errMalformed
		}
	}
	return spec, nil
}

// splitTopLevel splits s on sep outside parentheses. It reports false for
// unbalanced parentheses.
func splitTopLevel(s string, sep rune) ([]string, bool) {
	var (
		parts []string
		depth int
		start int
	)
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, false
			}
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, false
	}
	return append(parts, s[start:]), true
}

var errMalformed = errs.BadRequest("malformed constraint")

func malformedStorage(value string) error {
	return errs.Invalid("storage", "Malformed storage constraint, %q.", value)
}

func malformedInterfaces(value string) error {
	return errs.Invalid("interfaces", "Malformed interfaces constraint, %q.", value)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, v := range a {
		if contains(b, v) {
			return true
		}
	}
	return false
}
