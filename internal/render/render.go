// Package render turns a stored visual-editor design into an HTML email body.
// Rendering is a pure transform: same design + same placeholder map → same
// string, no I/O. The design shape mirrors what the editor exports:
//
//	{ body: { values: {...}, rows: [ { values: {...}, columns: [ { contents: [...] } ] } ] } }
//
// Placeholder substitution is literal: every occurrence of [KEY] in a text
// block is replaced with the mapped value, without HTML escaping — template
// authors are trusted, and replacement values (links, names) are produced by
// the backend itself.
package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ─── ERRORS ──────────────────────────────────────────────────────────────────

// ErrTemplateParse means the stored template content is not valid JSON.
// Distinct from ErrInvalidTemplateFormat so the caller can tell "corrupt
// string" apart from "parsed fine but not a design document".
var ErrTemplateParse = errors.New("render: template content is not valid JSON")

// ErrInvalidTemplateFormat means the parsed document is missing body.rows.
var ErrInvalidTemplateFormat = errors.New("render: design document has no body rows")

// ─── DESIGN AST ──────────────────────────────────────────────────────────────

// Design is the typed portion of the editor export. Everything structurally
// required is typed; styles stay as loose maps because the editor adds and
// removes style keys between versions.
type Design struct {
	Body Body `json:"body"`
}

type Body struct {
	Values StyleMap `json:"values"`
	Rows   []Row    `json:"rows"`
}

type Row struct {
	Values  StyleMap `json:"values"`
	Columns []Column `json:"columns"`
}

type Column struct {
	Contents []Content `json:"contents"`
}

// Content is one content block. Type dispatches rendering; unknown types
// produce an inert container rather than an error, so old templates keep
// rendering after the editor grows new block kinds.
type Content struct {
	Type   string   `json:"type"`
	Values StyleMap `json:"values"`
}

// StyleMap holds the block's values object. Accessors tolerate missing keys
// and wrong-typed values by returning "".
type StyleMap map[string]any

func (m StyleMap) str(key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// fontFamily handles both export shapes: a plain string and the newer
// {label, value} object.
func (m StyleMap) fontFamily() string {
	if m == nil {
		return ""
	}
	switch v := m["fontFamily"].(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["value"].(string); ok {
			return s
		}
	}
	return ""
}

// ─── PARSE ───────────────────────────────────────────────────────────────────

// Parse decodes JSON-serialized template content into a Design. Template
// content is stored as a string column, so every caller must go through Parse
// before Render.
func Parse(content string) (*Design, error) {
	var d Design
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	return &d, nil
}

// ─── RENDER ──────────────────────────────────────────────────────────────────

// Render produces the HTML string for a design. Output nesting matches input
// nesting 1:1: one container per row, one per column, one element per content
// block, in source order. No block is ever dropped.
func Render(d *Design, placeholders map[string]string) (string, error) {
	if d == nil || d.Body.Rows == nil {
		return "", ErrInvalidTemplateFormat
	}

	var b strings.Builder

	b.WriteString(`<div style="`)
	writeStyles(&b,
		style("font-family", d.Body.Values.fontFamily()),
		style("color", d.Body.Values.str("textColor")),
		style("background-color", d.Body.Values.str("backgroundColor")),
		style("text-align", d.Body.Values.str("contentAlign")),
		style("max-width", d.Body.Values.str("contentWidth")),
		style("margin", "0 auto"),
	)
	b.WriteString(`">`)

	for _, row := range d.Body.Rows {
		b.WriteString(`<div style="`)
		writeStyles(&b,
			style("padding", row.Values.str("padding")),
			style("background-color", row.Values.str("backgroundColor")),
		)
		b.WriteString(`">`)

		for _, col := range row.Columns {
			b.WriteString(`<div>`)
			for _, content := range col.Contents {
				renderContent(&b, content, placeholders)
			}
			b.WriteString(`</div>`)
		}

		b.WriteString(`</div>`)
	}

	b.WriteString(`</div>`)
	return b.String(), nil
}

func renderContent(b *strings.Builder, c Content, placeholders map[string]string) {
	switch c.Type {
	case "heading":
		tag := headingTag(c.Values.str("headingType"))
		b.WriteString(`<` + tag + ` style="`)
		writeStyles(b,
			style("font-size", c.Values.str("fontSize")),
			style("text-align", c.Values.str("textAlign")),
			style("line-height", c.Values.str("lineHeight")),
		)
		b.WriteString(`">`)
		b.WriteString(c.Values.str("text"))
		b.WriteString(`</` + tag + `>`)

	case "text":
		b.WriteString(`<div style="`)
		writeStyles(b,
			style("font-size", c.Values.str("fontSize")),
			style("text-align", c.Values.str("textAlign")),
			style("line-height", c.Values.str("lineHeight")),
		)
		b.WriteString(`">`)
		b.WriteString(Substitute(c.Values.str("text"), placeholders))
		b.WriteString(`</div>`)

	default:
		// social buttons, dividers, images, future block kinds — emit an inert
		// container so the structural 1:1 guarantee holds.
		b.WriteString(`<div></div>`)
	}
}

// headingTag whitelists the element name; anything unexpected falls back to
// h1 rather than injecting an arbitrary tag into the output.
func headingTag(t string) string {
	switch t {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return t
	}
	return "h1"
}

// Substitute replaces every [KEY] occurrence for each known key with its
// mapped value. Unknown bracketed tokens are left verbatim. Keys are applied
// in sorted order so the result is deterministic even when one replacement
// value happens to contain another placeholder token.
func Substitute(text string, placeholders map[string]string) string {
	if len(placeholders) == 0 {
		return text
	}
	keys := make([]string, 0, len(placeholders))
	for k := range placeholders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		text = strings.ReplaceAll(text, "["+k+"]", placeholders[k])
	}
	return text
}

// ─── STYLE HELPERS ───────────────────────────────────────────────────────────

type styleDecl struct{ prop, val string }

func style(prop, val string) styleDecl { return styleDecl{prop, val} }

// writeStyles emits "prop: val; " pairs, skipping empty values so absent
// editor styles don't leave dangling declarations.
func writeStyles(b *strings.Builder, decls ...styleDecl) {
	for _, d := range decls {
		if d.val == "" {
			continue
		}
		b.WriteString(d.prop)
		b.WriteString(": ")
		b.WriteString(d.val)
		b.WriteString("; ")
	}
}
