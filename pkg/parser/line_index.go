package parser

import (
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/PuerkitoBio/goquery"
)

var lineParamRe = regexp.MustCompile(`param1=(\d+)`)

// ParseLineIndex returns the line ids linked from a mode status page, in
// the order they first appear.
func ParseLineIndex(r io.Reader) ([]int, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse status page: %w", err)
	}

	seen := make(map[int]bool)
	var ids []int
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		m := lineParamRe.FindStringSubmatch(a.AttrOr("href", ""))
		if m == nil {
			return
		}
		id, err := strconv.Atoi(m[1])
		if err != nil || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	})

	return ids, nil
}
