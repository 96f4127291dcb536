package reference

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"rattlive/pkg/types"
)

var routeNameRe = regexp.MustCompile(`[^\(]*\(([^\)]+)\)`)

// lineBlock accumulates the consecutive rows of one line.
type lineBlock struct {
	id    int
	name  string
	first row
	last  row
}

func (b *lineBlock) line() types.Line {
	lineType, friendly := classify(b.name)
	return types.Line{
		ID:           b.id,
		Name:         b.name,
		FriendlyName: friendly,
		Type:         lineType,
		RouteNames: [2]string{
			routeName(b.first[colFriendlyStationName]),
			routeName(b.last[colFriendlyStationName]),
		},
	}
}

// DeriveLines reconstructs the curated lines from the stations CSV. A line
// is a run of valid rows sharing a numeric LineID; the run ends at a row
// whose LineID is not numeric, at a different LineID, or at end of input.
func DeriveLines(r io.Reader) ([]types.Line, error) {
	var (
		lines   []types.Line
		current *lineBlock
	)

	flush := func() {
		if current != nil {
			lines = append(lines, current.line())
			current = nil
		}
	}

	err := readRows(r, func(rec row) error {
		if rec.invalid() {
			return nil
		}
		id, err := strconv.Atoi(strings.TrimSpace(rec[colLineID]))
		if err != nil {
			flush()
			return nil
		}
		// Records are reused by the reader, so keep copies.
		cp := append(row(nil), rec...)
		if current != nil && current.id != id {
			flush()
		}
		if current == nil {
			current = &lineBlock{id: id, name: strings.TrimSpace(cp[colLineName]), first: cp}
		}
		current.last = cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	flush()

	return lines, nil
}

// DeriveLinesFile opens path and derives its lines.
func DeriveLinesFile(path string) ([]types.Line, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open stations csv: %w", err)
	}
	defer f.Close()

	return DeriveLines(f)
}

// classify returns a line's mode and its name without the mode prefix.
func classify(name string) (types.LineType, string) {
	switch {
	case strings.HasPrefix(name, "Tv"):
		return types.LineTypeTram, strings.TrimSpace(strings.TrimPrefix(name, "Tv"))
	case strings.HasPrefix(name, "Tb"):
		return types.LineTypeTrolley, strings.TrimSpace(strings.TrimPrefix(name, "Tb"))
	default:
		return types.LineTypeBus, name
	}
}

func routeName(friendlyStation string) string {
	m := routeNameRe.FindStringSubmatch(friendlyStation)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// LineKey is the identity of a line: its numeric id.
func LineKey(l types.Line) int {
	return l.ID
}

// IndexLines maps lines by LineKey.
func IndexLines(lines []types.Line) map[int]types.Line {
	index := make(map[int]types.Line, len(lines))
	for _, l := range lines {
		if _, ok := index[LineKey(l)]; !ok {
			index[LineKey(l)] = l
		}
	}
	return index
}
