package analyze

import (
	"log/slog"
	"strings"

	"github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
)

// decl is one declaration with its global source position.
type decl struct {
	prop      string
	value     string
	important bool
	seq       int
}

// rule is a style rule reduced to one complex selector.
type rule struct {
	sel   *selector
	decls []decl
}

// sheetParser accumulates rules from every stylesheet of a document in
// source order.
type sheetParser struct {
	logger  *slog.Logger
	rules   []rule
	seq     int
	skipped int
}

// add parses one stylesheet. A sheet that fails to parse as a whole is split
// into top-level blocks and each block is parsed alone, so only the
// malformed blocks are lost.
func (p *sheetParser) add(source, text string) {
	sheet, err := parser.Parse(text)
	if err == nil {
		p.addRules(source, sheet.Rules)
		return
	}
	p.logger.Debug("analyze: stylesheet recovery", "source", source, "error", err)
	for _, chunk := range splitBlocks(text) {
		sheet, err := parser.Parse(chunk)
		if err != nil {
			p.skipped++
			continue
		}
		p.addRules(source, sheet.Rules)
	}
}

func (p *sheetParser) addRules(source string, rules []*css.Rule) {
	for _, r := range rules {
		switch r.Kind {
		case css.QualifiedRule:
			p.addQualified(source, r)
		case css.AtRule:
			switch strings.ToLower(r.Name) {
			case "@media":
				if mediaApplies(r.Prelude) {
					p.addRules(source, r.Rules)
				}
			case "@supports":
				p.addRules(source, r.Rules)
			}
		}
	}
}

func (p *sheetParser) addQualified(source string, r *css.Rule) {
	decls := p.convert(r.Declarations)
	if len(decls) == 0 {
		return
	}
	for _, raw := range splitSelectors(r.Prelude) {
		sel, err := parseSelector(raw)
		if err != nil {
			p.skipped++
			p.logger.Debug("analyze: selector skipped", "source", source, "selector", raw, "error", err)
			continue
		}
		if sel.never {
			continue
		}
		p.rules = append(p.rules, rule{sel: sel, decls: decls})
	}
}

func (p *sheetParser) convert(in []*css.Declaration) []decl {
	out := make([]decl, 0, len(in))
	for _, d := range in {
		prop := strings.ToLower(strings.TrimSpace(d.Property))
		value := strings.TrimSpace(d.Value)
		if prop == "" || value == "" {
			continue
		}
		p.seq++
		out = append(out, decl{
			prop:      prop,
			value:     value,
			important: d.Important,
			seq:       p.seq,
		})
	}
	return out
}

// inline parses a style attribute. Inline declarations sort after every
// author rule of the same tier regardless of seq.
func (p *sheetParser) inline(style string) []decl {
	style = strings.TrimRight(strings.TrimSpace(style), "; \t\n")
	if style == "" {
		return nil
	}
	// The parser only closes a declaration on ';' or '}'.
	ds, err := parser.ParseDeclarations(style + ";")
	if err != nil {
		ds = ds[:0]
		for _, part := range strings.Split(style, ";") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			one, err := parser.ParseDeclarations(part + ";")
			if err != nil {
				continue
			}
			ds = append(ds, one...)
		}
	}
	return p.convert(ds)
}

// splitSelectors splits a selector list on top-level commas. Commas inside
// brackets, parentheses or strings do not split.
func splitSelectors(prelude string) []string {
	var out []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(prelude); i++ {
		c := prelude[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case c == ',' && depth == 0:
			out = append(out, prelude[start:i])
			start = i + 1
		}
	}
	return append(out, prelude[start:])
}

// splitBlocks cuts a stylesheet after every '}' that closes a top-level
// block, ignoring braces in strings and comments.
func splitBlocks(text string) []string {
	var out []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote || c == '\n' {
				quote = 0
			}
		case c == '/' && i+1 < len(text) && text[i+1] == '*':
			end := strings.Index(text[i+2:], "*/")
			if end < 0 {
				i = len(text)
			} else {
				i += end + 3
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth <= 0 {
				out = append(out, text[start:i+1])
				start = i + 1
				depth = 0
			}
		case c == ';' && depth == 0:
			// Statement at-rules such as @import or @charset.
			out = append(out, text[start:i+1])
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// mediaApplies reports whether a media query list can match a screen. A list
// applies when any of its queries is not restricted to print or speech.
func mediaApplies(prelude string) bool {
	prelude = strings.TrimSpace(strings.ToLower(prelude))
	if prelude == "" {
		return true
	}
	for _, q := range strings.Split(prelude, ",") {
		f := strings.Fields(q)
		if len(f) == 0 {
			continue
		}
		negated := false
		switch f[0] {
		case "only":
			f = f[1:]
		case "not":
			negated = true
			f = f[1:]
		}
		if len(f) == 0 {
			continue
		}
		media := f[0]
		nonScreen := media == "print" || media == "speech"
		if nonScreen != negated {
			continue
		}
		return true
	}
	return false
}
