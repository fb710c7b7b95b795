package harness

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Param describes one tool argument as advertised to agents.
type Param struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Required    bool     `json:"required"`
	Min         *int     `json:"min,omitempty"`
	Max         *int     `json:"max,omitempty"`
	MaxItems    int      `json:"max_items,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Schema is the argument contract of one tool.
type Schema struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
}

const (
	typeInteger = "integer"
	typeBoolean = "boolean"
	typeString  = "string"
	typePalette = "palette"
)

func intRange(lo, hi int) (*int, *int) { return &lo, &hi }

func coord(name string) Param {
	return Param{Name: name, Type: typeInteger, Required: true, Description: "pixel coordinate on the canvas"}
}

func channel(name string) Param {
	lo, hi := intRange(0, 255)
	return Param{Name: name, Type: typeInteger, Required: true, Min: lo, Max: hi}
}

func rgb(suffix string) []Param {
	return []Param{channel("r" + suffix), channel("g" + suffix), channel("b" + suffix)}
}

func rect() []Param {
	return []Param{coord("x1"), coord("y1"), coord("x2"), coord("y2")}
}

func concat(groups ...[]Param) []Param {
	var out []Param
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

var schemas = map[string]Schema{
	ToolSetPixel: {
		Name: ToolSetPixel, Description: "Set one pixel.",
		Params: concat([]Param{coord("x"), coord("y")}, rgb("")),
	},
	ToolFillRect: {
		Name: ToolFillRect, Description: "Fill an inclusive rectangle with a solid colour. Requires x1<=x2 and y1<=y2.",
		Params: concat(rect(), rgb("")),
	},
	ToolDrawLine: {
		Name: ToolDrawLine, Description: "Draw a one pixel wide line between two points, endpoints included.",
		Params: concat(rect(), rgb("")),
	},
	ToolFloodFill: {
		Name: ToolFloodFill, Description: "Fill the 4-connected region of the seed pixel's colour.",
		Params: concat([]Param{coord("x"), coord("y")}, rgb("")),
	},
	ToolSetPalette: {
		Name: ToolSetPalette, Description: "Declare the working palette. Advisory, does not change pixels.",
		Params: []Param{{Name: "colors", Type: typePalette, Required: true, MaxItems: maxPaletteColors, Description: "list of [r, g, b]"}},
	},
	ToolDrawCircle: {
		Name: ToolDrawCircle, Description: "Draw a circle outline, or a disc when fill is true. The centre must be on the canvas.",
		Params: concat(
			[]Param{coord("cx"), coord("cy"), radiusParam()},
			rgb(""),
			[]Param{{Name: "fill", Type: typeBoolean, Default: false}},
		),
	},
	ToolMirror: {
		Name: ToolMirror, Description: "Flip the whole canvas. horizontal swaps left and right, vertical swaps top and bottom.",
		Params: []Param{{Name: "axis", Type: typeString, Required: true, Enum: []string{axisHorizontal, axisVertical}}},
	},
	ToolGradientFill: {
		Name: ToolGradientFill, Description: "Fill an inclusive rectangle with a linear gradient from colour 1 to colour 2.",
		Params: concat(rect(), rgb("1"), rgb("2"),
			[]Param{{Name: "direction", Type: typeString, Enum: []string{axisHorizontal, axisVertical}, Default: axisHorizontal}}),
	},
	ToolDither: {
		Name: ToolDither, Description: "Fill an inclusive rectangle with a checkerboard of two colours.",
		Params: concat(rect(), rgb("1"), rgb("2")),
	},
	ToolRotate: {
		Name: ToolRotate, Description: "Rotate the canvas counter-clockwise about its centre. Uncovered pixels become black.",
		Params: []Param{rotateParam()},
	},
	ToolSealCanvas: {
		Name: ToolSealCanvas, Description: "Finish the artwork. Takes no arguments.",
	},
}

func radiusParam() Param {
	lo, hi := intRange(1, 32)
	return Param{Name: "radius", Type: typeInteger, Required: true, Min: lo, Max: hi}
}

func rotateParam() Param {
	lo, hi := intRange(0, 359)
	return Param{Name: "degrees", Type: typeInteger, Required: true, Min: lo, Max: hi}
}

// Schemas returns the schemas for the given tool names, in that order. Unknown names are skipped.
func Schemas(names []string) []Schema {
	out := make([]Schema, 0, len(names))
	for _, n := range names {
		if s, ok := schemas[n]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Known reports whether name is a tool this harness can dispatch.
func Known(name string) bool {
	_, ok := schemas[name]
	return ok
}

// checkSchema enforces required fields, no unknown fields, JSON types and value ranges.
func checkSchema(s Schema, raw json.RawMessage) *CallError {
	fields := map[string]json.RawMessage{}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed != "" && trimmed != "null" {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return invalidArgs("arguments must be a JSON object")
		}
	}

	known := make(map[string]Param, len(s.Params))
	for _, p := range s.Params {
		known[p.Name] = p
	}
	var unknown []string
	for k := range fields {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return invalidArgs(fmt.Sprintf("unexpected field(s): %s", strings.Join(unknown, ", ")))
	}

	for _, p := range s.Params {
		v, present := fields[p.Name]
		if !present {
			if p.Required {
				return invalidArgs(fmt.Sprintf("missing required field %q", p.Name))
			}
			continue
		}
		if cerr := checkParam(p, v); cerr != nil {
			return cerr
		}
	}
	return nil
}

func checkParam(p Param, v json.RawMessage) *CallError {
	if strings.TrimSpace(string(v)) == "null" {
		return invalidArgs(fmt.Sprintf("field %q must not be null", p.Name))
	}
	switch p.Type {
	case typeInteger:
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			return invalidArgs(fmt.Sprintf("field %q must be an integer", p.Name))
		}
		if p.Min != nil && n < *p.Min {
			return invalidArgs(fmt.Sprintf("field %q must be >= %d", p.Name, *p.Min))
		}
		if p.Max != nil && n > *p.Max {
			return invalidArgs(fmt.Sprintf("field %q must be <= %d", p.Name, *p.Max))
		}
	case typeBoolean:
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			return invalidArgs(fmt.Sprintf("field %q must be a boolean", p.Name))
		}
	case typeString:
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			return invalidArgs(fmt.Sprintf("field %q must be a string", p.Name))
		}
		if len(p.Enum) > 0 && !contains(p.Enum, str) {
			return invalidArgs(fmt.Sprintf("field %q must be one of %s", p.Name, strings.Join(p.Enum, ", ")))
		}
	case typePalette:
		var colors [][]int
		if err := json.Unmarshal(v, &colors); err != nil {
			return invalidArgs(fmt.Sprintf("field %q must be a list of [r, g, b] integer triples", p.Name))
		}
		if len(colors) > p.MaxItems {
			return invalidArgs(fmt.Sprintf("field %q allows at most %d colors", p.Name, p.MaxItems))
		}
		for i, c := range colors {
			if len(c) != 3 {
				return invalidArgs(fmt.Sprintf("color %d must have exactly 3 components", i))
			}
			for _, ch := range c {
				if ch < 0 || ch > 255 {
					return invalidArgs(fmt.Sprintf("color %d component out of range 0-255", i))
				}
			}
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
