package chunker

import (
	"sort"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	"go.uber.org/zap"

	"github.com/osgrep/osgrep/internal/models"
	"github.com/osgrep/osgrep/internal/util"
)

const (
	// MaxLines is the largest fragment emitted; bigger nodes are sliced
	// into overlapping windows.
	MaxLines = 120
	// OverlapLines is the overlap between adjacent windows.
	OverlapLines = 20
	// MinLines is the smallest standalone fragment; shorter nodes are
	// covered by their parent's text instead of being emitted alone.
	MinLines = 3

	// preambleSeparator divides the context preamble from the fragment
	// body so display can strip it.
	preambleSeparator = "\n---\n"
	preambleLimit     = 600
	maxImportLines    = 8
)

// Chunker splits source files into overlapping fragments respecting
// syntactic structure when a grammar is available. Output is deterministic
// for identical input bytes.
type Chunker struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Chunker {
	return &Chunker{logger: logger}
}

// DisplayText strips the context preamble from a fragment's stored text.
func DisplayText(text string) string {
	if i := strings.Index(text, preambleSeparator); i >= 0 {
		return text[i+len(preambleSeparator):]
	}
	return text
}

// Chunk splits content into fragments. The anchor fragment precedes all
// others; the rest are ordered by increasing start line.
func (c *Chunker) Chunk(path string, content []byte) []models.Fragment {
	if len(content) == 0 {
		return nil
	}
	lines := strings.Split(string(content), "\n")
	lineCount := len(lines)

	lang := languageFor(path)
	var frags []models.Fragment
	var header fileHeader
	if lang != nil && lang.grammar() != nil {
		frags, header = c.structural(path, content, lines, lang)
	}
	if frags == nil {
		frags = c.fallback(path, lines)
	}

	sort.SliceStable(frags, func(i, j int) bool {
		return frags[i].StartLine < frags[j].StartLine
	})

	anchor := c.anchor(path, lines, header)
	out := make([]models.Fragment, 0, len(frags)+1)
	out = append(out, anchor)
	out = append(out, frags...)
	for i := range out {
		if out[i].EndLine > lineCount {
			out[i].EndLine = lineCount
		}
	}
	return out
}

// fileHeader carries the file-level context used for preambles and the
// anchor fragment.
type fileHeader struct {
	docBlock string
	imports  []string
	exports  []string
	headEnd  int // first line past the header region
}

func (c *Chunker) structural(
	path string,
	content []byte,
	lines []string,
	lang *language,
) ([]models.Fragment, fileHeader) {
	parser := tree_sitter.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(lang.grammar()); err != nil {
		c.logger.Debug("grammar rejected, using fallback splitter",
			zap.String("path", path), zap.Error(err))
		return nil, fileHeader{}
	}
	tree := parser.Parse(content, nil)
	if tree == nil {
		return nil, fileHeader{}
	}
	defer tree.Close()
	root := tree.RootNode()

	header := collectHeader(root, content, lang)
	var frags []models.Fragment

	var visit func(n *tree_sitter.Node, enclosing string, inClass bool)
	visit = func(n *tree_sitter.Node, enclosing string, inClass bool) {
		for i := uint(0); i < n.ChildCount(); i++ {
			child := n.Child(i)
			kind, ok := fragmentKind(child.Kind(), lang)
			if !ok {
				visit(child, enclosing, inClass)
				continue
			}
			if kind == models.KindFunction && inClass {
				kind = models.KindMethod
			}
			start := int(child.StartPosition().Row)
			end := int(child.EndPosition().Row) + 1
			if end-start < MinLines {
				// promoted into the parent's text; never emitted alone
				continue
			}
			sig := signature(child, content)
			preamble := buildPreamble(header, enclosing)
			frags = append(frags, c.emit(path, kind, start, end, preamble, nodeText(child, content), lines)...)
			if kind == models.KindClass {
				visit(child, sig, true)
			}
		}
	}
	visit(root, "", false)
	return frags, header
}

// fragmentKind maps a grammar node kind to the fragment classification.
func fragmentKind(nodeKind string, lang *language) (models.FragmentKind, bool) {
	switch {
	case lang.functionKinds[nodeKind]:
		return models.KindFunction, true
	case lang.methodKinds[nodeKind]:
		return models.KindMethod, true
	case lang.classKinds[nodeKind]:
		return models.KindClass, true
	case lang.blockKinds[nodeKind]:
		return models.KindBlock, true
	}
	return "", false
}

// emit applies the size bound: oversized spans are sliced into overlapping
// windows with monotone line spans.
func (c *Chunker) emit(
	path string,
	kind models.FragmentKind,
	start, end int,
	preamble, body string,
	lines []string,
) []models.Fragment {
	if end-start <= MaxLines {
		return []models.Fragment{newFragment(path, kind, start, end, preamble, body)}
	}
	var out []models.Fragment
	step := MaxLines - OverlapLines
	for s := start; s < end; s += step {
		e := s + MaxLines
		if e > end {
			e = end
		}
		text := strings.Join(lines[s:e], "\n")
		out = append(out, newFragment(path, kind, s, e, preamble, text))
		if e == end {
			break
		}
	}
	return out
}

func newFragment(path string, kind models.FragmentKind, start, end int, preamble, body string) models.Fragment {
	text := body
	if preamble != "" {
		text = preamble + preambleSeparator + body
	}
	return models.Fragment{
		ID:        util.FragmentID(path, start, end, string(kind)),
		Path:      path,
		StartLine: start,
		EndLine:   end,
		Kind:      kind,
		Text:      text,
	}
}

func buildPreamble(header fileHeader, enclosing string) string {
	var parts []string
	if header.docBlock != "" {
		parts = append(parts, header.docBlock)
	}
	if len(header.imports) > 0 {
		n := len(header.imports)
		if n > maxImportLines {
			n = maxImportLines
		}
		parts = append(parts, strings.Join(header.imports[:n], "\n"))
	}
	if enclosing != "" {
		parts = append(parts, enclosing)
	}
	p := strings.Join(parts, "\n")
	if len(p) > preambleLimit {
		p = p[:preambleLimit]
	}
	return p
}

// collectHeader gathers the top doc block, import lines, and top-level
// declaration names from the parse tree.
func collectHeader(root *tree_sitter.Node, content []byte, lang *language) fileHeader {
	var h fileHeader
	var docLines []string
	sawCode := false
	for i := uint(0); i < root.ChildCount(); i++ {
		n := root.Child(i)
		kind := n.Kind()
		switch {
		case kind == lang.commentKind && !sawCode:
			docLines = append(docLines, nodeText(n, content))
			h.headEnd = int(n.EndPosition().Row) + 1
		case lang.importKinds[kind]:
			h.imports = append(h.imports, nodeText(n, content))
			h.headEnd = int(n.EndPosition().Row) + 1
			sawCode = true
		default:
			if name := declarationName(n, content, lang); name != "" {
				h.exports = append(h.exports, name)
			}
			sawCode = true
		}
	}
	h.docBlock = strings.Join(docLines, "\n")
	if h.headEnd == 0 {
		h.headEnd = 1
	}
	return h
}

func declarationName(n *tree_sitter.Node, content []byte, lang *language) string {
	kind := n.Kind()
	if kind == "export_statement" {
		for i := uint(0); i < n.NamedChildCount(); i++ {
			if name := declarationName(n.NamedChild(i), content, lang); name != "" {
				return name
			}
		}
		return ""
	}
	if _, ok := fragmentKind(kind, lang); !ok {
		return ""
	}
	if c := n.ChildByFieldName("name"); c != nil {
		return string(content[c.StartByte():c.EndByte()])
	}
	for i := uint(0); i < n.NamedChildCount(); i++ {
		c := n.NamedChild(i)
		k := c.Kind()
		if k == "identifier" || k == "type_identifier" || k == "property_identifier" {
			return string(content[c.StartByte():c.EndByte()])
		}
	}
	return ""
}

// signature is the declaration's first line, used as enclosing context for
// nested fragments.
func signature(n *tree_sitter.Node, content []byte) string {
	text := nodeText(n, content)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return strings.TrimRight(text[:i], " {:")
	}
	return text
}

func nodeText(n *tree_sitter.Node, content []byte) string {
	return string(content[n.StartByte():n.EndByte()])
}

// anchor synthesizes the whole-file summary fragment from the header.
func (c *Chunker) anchor(path string, lines []string, header fileHeader) models.Fragment {
	end := header.headEnd
	if end <= 0 || end > len(lines) {
		end = len(lines)
		if end > MaxLines {
			end = MaxLines
		}
	}
	var parts []string
	if header.docBlock != "" {
		parts = append(parts, header.docBlock)
	}
	if len(header.imports) > 0 {
		parts = append(parts, strings.Join(header.imports, "\n"))
	}
	if len(header.exports) > 0 {
		parts = append(parts, "declares: "+strings.Join(header.exports, ", "))
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		text = strings.Join(lines[:end], "\n")
	}
	f := models.Fragment{
		ID:        util.FragmentID(path, 0, end, string(models.KindAnchor)),
		Path:      path,
		StartLine: 0,
		EndLine:   end,
		Kind:      models.KindAnchor,
		Text:      text,
		IsAnchor:  true,
	}
	return f
}

// fallback is the line-window splitter used when no grammar applies.
func (c *Chunker) fallback(path string, lines []string) []models.Fragment {
	var out []models.Fragment
	step := MaxLines - OverlapLines
	for s := 0; s < len(lines); s += step {
		e := s + MaxLines
		if e > len(lines) {
			e = len(lines)
		}
		text := strings.Join(lines[s:e], "\n")
		if strings.TrimSpace(text) != "" {
			out = append(out, newFragment(path, models.KindFallback, s, e, "", text))
		}
		if e == len(lines) {
			break
		}
	}
	return out
}
