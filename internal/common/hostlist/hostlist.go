// Package hostlist converts between lists of host names and the compact range notation used
// throughout configuration and the wire protocol, e.g. "node[01-04,07],login1".
package hostlist

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// MaxExpansion bounds the number of names a single expression may expand to.
const MaxExpansion = 1 << 16

// Expand returns the host names denoted by expr, in order of appearance. Duplicates are preserved.
func Expand(expr string) ([]string, error) {
	var hosts []string
	for _, item := range splitTopLevel(expr) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		expanded, err := expandItem(item)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, expanded...)
		if len(hosts) > MaxExpansion {
			return nil, errors.Errorf("hostlist %q expands to more than %d names", expr, MaxExpansion)
		}
	}
	return hosts, nil
}

// MustExpand is Expand for expressions known to be valid, e.g. in tests.
func MustExpand(expr string) []string {
	hosts, err := Expand(expr)
	if err != nil {
		panic(err)
	}
	return hosts
}

// splitTopLevel splits on commas that are not inside brackets.
func splitTopLevel(expr string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, c := range expr {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, expr[start:])
}

func expandItem(item string) ([]string, error) {
	open := strings.IndexByte(item, '[')
	if open < 0 {
		if strings.ContainsAny(item, "]") {
			return nil, errors.Errorf("unbalanced bracket in %q", item)
		}
		return []string{item}, nil
	}
	end := strings.IndexByte(item[open:], ']')
	if end < 0 {
		return nil, errors.Errorf("unbalanced bracket in %q", item)
	}
	end += open
	prefix := item[:open]
	suffixes, err := expandItem(item[end+1:])
	if err != nil {
		return nil, err
	}
	var hosts []string
	for _, r := range strings.Split(item[open+1:end], ",") {
		lo, hi, width, err := parseRange(r)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid range in %q", item)
		}
		if hi-lo+1 > MaxExpansion {
			return nil, errors.Errorf("range %q in %q is too large", r, item)
		}
		for n := lo; n <= hi; n++ {
			for _, suffix := range suffixes {
				hosts = append(hosts, fmt.Sprintf("%s%0*d%s", prefix, width, n, suffix))
			}
		}
	}
	return hosts, nil
}

func parseRange(r string) (lo, hi uint64, width int, err error) {
	r = strings.TrimSpace(r)
	loStr, hiStr, isRange := strings.Cut(r, "-")
	if !isRange {
		hiStr = loStr
	}
	if loStr == "" || hiStr == "" {
		return 0, 0, 0, errors.Errorf("empty bound in %q", r)
	}
	lo, err = strconv.ParseUint(loStr, 10, 32)
	if err != nil {
		return 0, 0, 0, errors.WithStack(err)
	}
	hi, err = strconv.ParseUint(hiStr, 10, 32)
	if err != nil {
		return 0, 0, 0, errors.WithStack(err)
	}
	if hi < lo {
		return 0, 0, 0, errors.Errorf("descending range %q", r)
	}
	width = 0
	if len(loStr) > 1 && loStr[0] == '0' {
		width = len(loStr)
	}
	return lo, hi, width, nil
}

type hostName struct {
	prefix string
	num    uint64
	width  int
	digits int
	hasNum bool
}

func splitHost(host string) hostName {
	i := len(host)
	for i > 0 && host[i-1] >= '0' && host[i-1] <= '9' {
		i--
	}
	if i == len(host) || len(host)-i > 9 {
		return hostName{prefix: host}
	}
	digits := host[i:]
	num, _ := strconv.ParseUint(digits, 10, 64)
	width := 0
	if len(digits) > 1 && digits[0] == '0' {
		width = len(digits)
	}
	return hostName{prefix: host[:i], num: num, width: width, digits: len(digits), hasNum: true}
}

type rangeGroup struct {
	prefix string
	width  int
	nums   []uint64
}

func (g *rangeGroup) format() string {
	slices.Sort(g.nums)
	if len(g.nums) == 1 {
		return fmt.Sprintf("%s%0*d", g.prefix, g.width, g.nums[0])
	}
	var ranges []string
	start := g.nums[0]
	prev := start
	flush := func() {
		if start == prev {
			ranges = append(ranges, fmt.Sprintf("%0*d", g.width, start))
		} else {
			ranges = append(ranges, fmt.Sprintf("%0*d-%0*d", g.width, start, g.width, prev))
		}
	}
	for _, n := range g.nums[1:] {
		if n == prev+1 {
			prev = n
			continue
		}
		flush()
		start, prev = n, n
	}
	flush()
	return fmt.Sprintf("%s[%s]", g.prefix, strings.Join(ranges, ","))
}

// Compress returns a range expression for hosts. Names sharing a prefix and digit width are merged into one
// bracketed group placed where the prefix first appears. Duplicate names are dropped.
func Compress(hosts []string) string {
	type entry struct {
		name  string
		group *rangeGroup
	}
	var order []entry
	groups := map[string]*rangeGroup{}
	seen := map[string]bool{}
	for _, host := range hosts {
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		h := splitHost(host)
		if !h.hasNum {
			order = append(order, entry{name: host})
			continue
		}
		key := fmt.Sprintf("%s\x00%d", h.prefix, h.width)
		if h.width == 0 {
			// an unpadded number with the same digit count fits an existing zero-padded group
			if padded, ok := groups[fmt.Sprintf("%s\x00%d", h.prefix, h.digits)]; ok {
				padded.nums = append(padded.nums, h.num)
				continue
			}
		}
		g, ok := groups[key]
		if !ok {
			g = &rangeGroup{prefix: h.prefix, width: h.width}
			groups[key] = g
			order = append(order, entry{group: g})
		}
		g.nums = append(g.nums, h.num)
	}
	out := make([]string, 0, len(order))
	for _, e := range order {
		if e.group != nil {
			out = append(out, e.group.format())
		} else {
			out = append(out, e.name)
		}
	}
	return strings.Join(out, ",")
}

// Contains reports whether host is named by expr.
func Contains(expr, host string) (bool, error) {
	hosts, err := Expand(expr)
	if err != nil {
		return false, err
	}
	return slices.Contains(hosts, host), nil
}
