// Package markdown is the Markdown-to-block lowering collaborator. It
// parses Markdown into flat block specifications the document model
// maps onto block flavours, and renders block specifications back to
// Markdown for content export.
package markdown

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// SpecType enumerates the block specification kinds the parser yields.
type SpecType string

const (
	SpecParagraph SpecType = "paragraph"
	SpecList      SpecType = "list"
	SpecCode      SpecType = "code"
	SpecTable     SpecType = "table"
	SpecQuote     SpecType = "quote"
)

// BlockSpec is one lowered block. The document model maps each spec to
// a block of the appropriate flavour.
type BlockSpec struct {
	Type SpecType

	// Text content for paragraph, list, quote and code specs.
	Text string

	// HeadingLevel is 1-3 for headings, 0 for plain paragraphs.
	HeadingLevel int

	// Ordered marks numbered list items.
	Ordered bool

	// Language of a fenced code block.
	Language string

	// Rows of a table; the first row is the header.
	Rows [][]string
}

var parser = goldmark.New(goldmark.WithExtensions(extension.Table))

// Parse lowers a Markdown document into a flat sequence of block specs.
func Parse(source string) ([]BlockSpec, error) {
	src := []byte(source)
	root := parser.Parser().Parse(text.NewReader(src))

	var specs []BlockSpec
	for node := root.FirstChild(); node != nil; node = node.NextSibling() {
		lowered, err := lowerNode(node, src)
		if err != nil {
			return nil, err
		}
		specs = append(specs, lowered...)
	}
	return specs, nil
}

func lowerNode(node ast.Node, src []byte) ([]BlockSpec, error) {
	switch n := node.(type) {
	case *ast.Heading:
		level := n.Level
		if level > 3 {
			level = 3
		}
		return []BlockSpec{{Type: SpecParagraph, HeadingLevel: level, Text: inlineText(n, src)}}, nil

	case *ast.Paragraph, *ast.TextBlock:
		return []BlockSpec{{Type: SpecParagraph, Text: inlineText(node, src)}}, nil

	case *ast.List:
		var specs []BlockSpec
		for item := n.FirstChild(); item != nil; item = item.NextSibling() {
			specs = append(specs, BlockSpec{
				Type:    SpecList,
				Ordered: n.IsOrdered(),
				Text:    inlineText(item, src),
			})
		}
		return specs, nil

	case *ast.FencedCodeBlock:
		var sb strings.Builder
		for i := 0; i < n.Lines().Len(); i++ {
			line := n.Lines().At(i)
			sb.Write(line.Value(src))
		}
		return []BlockSpec{{
			Type:     SpecCode,
			Language: string(n.Language(src)),
			Text:     strings.TrimRight(sb.String(), "\n"),
		}}, nil

	case *ast.CodeBlock:
		var sb strings.Builder
		for i := 0; i < n.Lines().Len(); i++ {
			line := n.Lines().At(i)
			sb.Write(line.Value(src))
		}
		return []BlockSpec{{Type: SpecCode, Text: strings.TrimRight(sb.String(), "\n")}}, nil

	case *ast.Blockquote:
		return []BlockSpec{{Type: SpecQuote, Text: inlineText(n, src)}}, nil

	case *east.Table:
		var rows [][]string
		for row := n.FirstChild(); row != nil; row = row.NextSibling() {
			var cells []string
			for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
				cells = append(cells, inlineText(cell, src))
			}
			rows = append(rows, cells)
		}
		return []BlockSpec{{Type: SpecTable, Rows: rows}}, nil

	case *ast.ThematicBreak, *ast.HTMLBlock:
		// No block flavour for these; dropped from the lowering.
		return nil, nil

	default:
		// Unknown container: lower its text content as a paragraph so
		// no content silently disappears.
		txt := inlineText(node, src)
		if strings.TrimSpace(txt) == "" {
			return nil, nil
		}
		return []BlockSpec{{Type: SpecParagraph, Text: txt}}, nil
	}
}

// inlineText flattens the visible text of a node's inline tree.
func inlineText(node ast.Node, src []byte) string {
	var sb strings.Builder
	var walk func(n ast.Node)
	walk = func(n ast.Node) {
		switch t := n.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte('\n')
			}
			return
		case *ast.String:
			sb.Write(t.Value)
			return
		case *ast.AutoLink:
			sb.Write(t.URL(src))
			return
		}
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			walk(c)
		}
	}
	walk(node)
	return strings.TrimSpace(sb.String())
}

// Render converts block specs back into Markdown. Parse(Render(specs))
// yields the same specs up to whitespace normalisation.
func Render(specs []BlockSpec) string {
	var parts []string
	ordinal := 0
	for i, spec := range specs {
		if spec.Type != SpecList || !spec.Ordered {
			ordinal = 0
		} else if i == 0 || specs[i-1].Type != SpecList || !specs[i-1].Ordered {
			ordinal = 0
		}
		parts = append(parts, renderSpec(spec, &ordinal))
	}
	return strings.Join(mergeListRuns(specs, parts), "\n\n")
}

func renderSpec(spec BlockSpec, ordinal *int) string {
	switch spec.Type {
	case SpecParagraph:
		if spec.HeadingLevel > 0 {
			return strings.Repeat("#", spec.HeadingLevel) + " " + spec.Text
		}
		return spec.Text
	case SpecList:
		if spec.Ordered {
			*ordinal++
			return fmt.Sprintf("%d. %s", *ordinal, spec.Text)
		}
		return "- " + spec.Text
	case SpecCode:
		return "```" + spec.Language + "\n" + spec.Text + "\n```"
	case SpecQuote:
		lines := strings.Split(spec.Text, "\n")
		for i, l := range lines {
			lines[i] = "> " + l
		}
		return strings.Join(lines, "\n")
	case SpecTable:
		return renderTable(spec.Rows)
	default:
		return spec.Text
	}
}

func renderTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	var sb strings.Builder
	writeRow := func(cells []string) {
		sb.WriteString("| ")
		sb.WriteString(strings.Join(cells, " | "))
		sb.WriteString(" |\n")
	}
	writeRow(rows[0])
	sep := make([]string, len(rows[0]))
	for i := range sep {
		sep[i] = "---"
	}
	writeRow(sep)
	for _, row := range rows[1:] {
		writeRow(row)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// mergeListRuns joins consecutive list items with single newlines so
// rendered lists read as one Markdown list instead of separated
// paragraphs.
func mergeListRuns(specs []BlockSpec, parts []string) []string {
	var out []string
	for i := 0; i < len(parts); i++ {
		if specs[i].Type != SpecList {
			out = append(out, parts[i])
			continue
		}
		run := []string{parts[i]}
		for i+1 < len(parts) && specs[i+1].Type == SpecList && specs[i+1].Ordered == specs[i].Ordered {
			i++
			run = append(run, parts[i])
		}
		out = append(out, strings.Join(run, "\n"))
	}
	return out
}
