// Package ports turns textual port specifications into validated port sets
// and annotates individual ports with well-known service information.
package ports

import (
	"sort"
	"strconv"
	"strings"

	"github.com/anstrom/portsweep/internal/errors"
)

const (
	// MinPort is the lowest scannable TCP port.
	MinPort = 1
	// MaxPort is the highest scannable TCP port.
	MaxPort = 65535
)

// Named port lists accepted by Expand.
const (
	KeywordCommon   = "common"
	KeywordAll      = "all"
	KeywordWeb      = "web"
	KeywordDatabase = "database"
)

var (
	webPorts      = []int{80, 443, 8000, 8080, 8443, 8888}
	databasePorts = []int{1433, 1521, 3306, 5432, 6379, 27017}
)

// ResolvePorts parses a comma separated list of ports and inclusive ranges
// ("22,80,8000-8100") into an ascending, duplicate free slice. Any malformed
// token fails the whole call with a *errors.ValidationError.
func ResolvePorts(spec string) ([]int, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, errors.ErrInvalidPortSpec(spec, "port specification is empty")
	}

	seen := make(map[int]struct{})
	for _, token := range strings.Split(spec, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			return nil, errors.ErrInvalidPortSpec(spec, "empty token in port specification")
		}

		start, end, err := parseToken(token)
		if err != nil {
			return nil, err
		}
		for p := start; p <= end; p++ {
			seen[p] = struct{}{}
		}
	}

	result := make([]int, 0, len(seen))
	for p := range seen {
		result = append(result, p)
	}
	sort.Ints(result)
	return result, nil
}

// parseToken returns the inclusive bounds of a single port or range token.
func parseToken(token string) (start, end int, err error) {
	lo, hi, isRange := strings.Cut(token, "-")
	if !isRange {
		p, err := parsePort(token, token)
		return p, p, err
	}

	if start, err = parsePort(lo, token); err != nil {
		return 0, 0, err
	}
	if end, err = parsePort(hi, token); err != nil {
		return 0, 0, err
	}
	if start > end {
		return 0, 0, errors.ErrInvalidPortSpec(token, "range start is greater than range end")
	}
	return start, end, nil
}

func parsePort(raw, token string) (int, error) {
	raw = strings.TrimSpace(raw)
	n, err := strconv.Atoi(raw)
	if err != nil {
		v := errors.ErrInvalidPortSpec(token, "port is not a number")
		v.Cause = err
		return 0, v
	}
	if n < MinPort || n > MaxPort {
		return 0, errors.ErrInvalidPortSpec(token, "port must be between 1 and 65535")
	}
	return n, nil
}

// Expand resolves a named port list (common, all, web, database) or falls
// back to ResolvePorts for anything else.
func Expand(spec string) ([]int, error) {
	switch strings.ToLower(strings.TrimSpace(spec)) {
	case KeywordCommon:
		return CommonPorts(), nil
	case KeywordAll:
		return Range(MinPort, MaxPort), nil
	case KeywordWeb:
		return append([]int(nil), webPorts...), nil
	case KeywordDatabase:
		return append([]int(nil), databasePorts...), nil
	default:
		return ResolvePorts(spec)
	}
}

// Range returns the ports from start to end inclusive.
func Range(start, end int) []int {
	if start > end {
		return nil
	}
	result := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		result = append(result, p)
	}
	return result
}

// Format renders ports back into compact specification form,
// collapsing consecutive runs into ranges.
func Format(ports []int) string {
	if len(ports) == 0 {
		return ""
	}
	sorted := append([]int(nil), ports...)
	sort.Ints(sorted)

	var b strings.Builder
	runStart := sorted[0]
	prev := sorted[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(runStart))
		if prev != runStart {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(prev))
		}
	}
	for _, p := range sorted[1:] {
		if p == prev {
			continue
		}
		if p == prev+1 {
			prev = p
			continue
		}
		flush()
		runStart, prev = p, p
	}
	flush()
	return b.String()
}
