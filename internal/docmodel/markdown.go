package docmodel

import (
	"github.com/workspace/affine-gateway/internal/errcode"
	"github.com/workspace/affine-gateway/internal/markdown"
)

// AppendSpecs lowers parsed Markdown block specs into blocks appended
// under the given parent (normally the note block).
func (t *Tree) AppendSpecs(parentID string, specs []markdown.BlockSpec, userID string, now int64) ([]string, error) {
	var ids []string
	for _, spec := range specs {
		flavour, props, err := specToBlock(spec)
		if err != nil {
			return nil, err
		}
		id, err := t.AddBlock(parentID, flavour, props, AtEnd(), userID, now)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ReplaceContent deletes the parent's existing children and lowers the
// specs in their place.
func (t *Tree) ReplaceContent(parentID string, specs []markdown.BlockSpec, userID string, now int64) ([]string, error) {
	parent, ok := t.blockMap(parentID)
	if !ok {
		return nil, errcode.New(errcode.CodeBlockNotFound, "block %s not found", parentID)
	}
	if children, ok := parent.GetArray("sys:children"); ok {
		for _, v := range children.Slice() {
			if err := t.DeleteBlock(v.Str(), true); err != nil {
				return nil, err
			}
		}
	}
	return t.AppendSpecs(parentID, specs, userID, now)
}

func specToBlock(spec markdown.BlockSpec) (string, map[string]interface{}, error) {
	switch spec.Type {
	case markdown.SpecParagraph:
		typ := "text"
		switch spec.HeadingLevel {
		case 1:
			typ = "h1"
		case 2:
			typ = "h2"
		case 3:
			typ = "h3"
		}
		return FlavourParagraph, map[string]interface{}{
			"prop:type": typ,
			"prop:text": spec.Text,
		}, nil

	case markdown.SpecQuote:
		return FlavourParagraph, map[string]interface{}{
			"prop:type": "quote",
			"prop:text": spec.Text,
		}, nil

	case markdown.SpecList:
		typ := "bulleted"
		if spec.Ordered {
			typ = "numbered"
		}
		return FlavourList, map[string]interface{}{
			"prop:type": typ,
			"prop:text": spec.Text,
		}, nil

	case markdown.SpecCode:
		return FlavourCode, map[string]interface{}{
			"prop:language": spec.Language,
			"prop:text":     spec.Text,
		}, nil

	case markdown.SpecTable:
		return FlavourTable, map[string]interface{}{
			"prop:rows": rowsToGo(spec.Rows),
		}, nil

	default:
		return "", nil, errcode.New(errcode.CodeInvalidInput, "unsupported block spec %q", spec.Type)
	}
}

func rowsToGo(rows [][]string) []interface{} {
	out := make([]interface{}, len(rows))
	for i, row := range rows {
		cells := make([]interface{}, len(row))
		for j, cell := range row {
			cells[j] = cell
		}
		out[i] = cells
	}
	return out
}

// blockToSpec raises a decoded block back to a Markdown spec. Blocks
// with no Markdown equivalent (surface, image, note) report ok=false.
func blockToSpec(b *Block) (markdown.BlockSpec, bool) {
	text, _ := b.Props["text"].(string)
	switch b.Flavour {
	case FlavourParagraph:
		typ, _ := b.Props["type"].(string)
		spec := markdown.BlockSpec{Type: markdown.SpecParagraph, Text: text}
		switch typ {
		case "h1":
			spec.HeadingLevel = 1
		case "h2":
			spec.HeadingLevel = 2
		case "h3":
			spec.HeadingLevel = 3
		case "quote":
			spec.Type = markdown.SpecQuote
		}
		return spec, true

	case FlavourList:
		typ, _ := b.Props["type"].(string)
		return markdown.BlockSpec{
			Type:    markdown.SpecList,
			Ordered: typ == "numbered",
			Text:    text,
		}, true

	case FlavourCode:
		lang, _ := b.Props["language"].(string)
		return markdown.BlockSpec{Type: markdown.SpecCode, Language: lang, Text: text}, true

	case FlavourTable:
		raw, _ := b.Props["rows"].([]interface{})
		var rows [][]string
		for _, r := range raw {
			cells, _ := r.([]interface{})
			var row []string
			for _, c := range cells {
				s, _ := c.(string)
				row = append(row, s)
			}
			rows = append(rows, row)
		}
		return markdown.BlockSpec{Type: markdown.SpecTable, Rows: rows}, true
	}
	return markdown.BlockSpec{}, false
}

// Markdown renders the note content back to Markdown text.
func (t *Tree) Markdown() (string, error) {
	noteID, ok := t.FindByFlavour(FlavourNote)
	if !ok {
		return "", errcode.New(errcode.CodeBlockNotFound, "document has no note block")
	}
	note, err := t.DecodeBlock(noteID)
	if err != nil {
		return "", err
	}

	var specs []markdown.BlockSpec
	for _, child := range note.Children {
		if spec, ok := blockToSpec(child); ok {
			if spec.Type == markdown.SpecParagraph && spec.Text == "" && spec.HeadingLevel == 0 {
				// The initial empty paragraph carries no content.
				continue
			}
			specs = append(specs, spec)
		}
	}
	return markdown.Render(specs), nil
}
