// Package badge renders SVG line badges: the line's short name on its mode
// colour, with a direction arrow and the route name.
package badge

import (
	"encoding/base64"
	"fmt"
	"html"

	"rattlive/pkg/types"
)

const ContentType = "image/svg+xml"

var modeColors = map[types.LineType]string{
	types.LineTypeTram:    "#E74C3C",
	types.LineTypeTrolley: "#27AE60",
	types.LineTypeBus:     "#2980B9",
}

// Color returns the badge colour of a line. Modes have fixed colours;
// anything else gets a hue derived from the line name so it stays stable.
func Color(line types.Line) string {
	if c, ok := modeColors[line.Type]; ok {
		return c
	}
	hash := 0
	for _, char := range line.Name {
		hash = int(char) + ((hash << 5) - hash)
	}
	hue := (hash%360 + 360) % 360
	return fmt.Sprintf("hsl(%d, 70%%, 50%%)", hue)
}

// arrow points right for direction 0 and left for direction 1.
func arrow(direction int) string {
	if direction == 1 {
		return `<polygon points="40,29 34,25 40,21" fill="#2C3E50"/>`
	}
	return `<polygon points="34,21 40,25 34,29" fill="#2C3E50"/>`
}

// SVG renders the badge of line travelling in direction (0 or 1).
func SVG(line types.Line, direction int) []byte {
	label := line.FriendlyName
	if label == "" {
		label = line.Name
	}
	var route string
	if direction == 0 || direction == 1 {
		route = line.RouteNames[direction]
	}

	svg := fmt.Sprintf(`<svg width="160" height="50" xmlns="http://www.w3.org/2000/svg">
  <rect width="160" height="50" fill="white" stroke="#dee2e6" stroke-width="1" rx="6"/>
  <rect x="5" y="10" width="26" height="30" fill="%s" rx="4"/>
  <text x="18" y="30" font-family="Arial, sans-serif" font-size="12" font-weight="bold" fill="white" text-anchor="middle">%s</text>
  %s
  <text x="46" y="29" font-family="Arial, sans-serif" font-size="10" fill="#333">%s</text>
</svg>`, Color(line), html.EscapeString(label), arrow(direction), html.EscapeString(route))

	return []byte(svg)
}

// DataURI wraps an SVG as a base64 data URI.
func DataURI(svg []byte) string {
	return "data:" + ContentType + ";base64," + base64.StdEncoding.EncodeToString(svg)
}
