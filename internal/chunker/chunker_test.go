package chunker_test

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/osgrep/osgrep/internal/chunker"
	"github.com/osgrep/osgrep/internal/models"
)

var pySource = `"""Utility helpers."""
import os
import sys


def f(x):
    """Double the input."""
    y = x * 2
    return y


class Greeter:
    def greet(self, name):
        msg = "hello " + name
        print(msg)
        return msg
`

func Test_Chunk_PythonStructure(t *testing.T) {
	c := chunker.New(zap.NewNop())
	frags := c.Chunk("/repo/a.py", []byte(pySource))
	if len(frags) < 3 {
		t.Fatalf("expected anchor + structural fragments, got %d", len(frags))
	}

	anchors := 0
	kinds := map[models.FragmentKind]int{}
	lineCount := len(strings.Split(pySource, "\n"))
	for i, f := range frags {
		if f.IsAnchor {
			anchors++
			if i != 0 {
				t.Errorf("anchor must precede all other fragments")
			}
		}
		if f.StartLine < 0 || f.StartLine >= f.EndLine || f.EndLine > lineCount {
			t.Errorf("fragment %d has invalid span [%d,%d)", i, f.StartLine, f.EndLine)
		}
		if f.ID == "" || f.Path != "/repo/a.py" {
			t.Errorf("fragment %d missing identity", i)
		}
		kinds[f.Kind]++
	}
	if anchors != 1 {
		t.Fatalf("expected exactly one anchor fragment, got %d", anchors)
	}
	if kinds[models.KindFunction] == 0 {
		t.Errorf("expected a function fragment")
	}
	if kinds[models.KindClass] == 0 {
		t.Errorf("expected a class fragment")
	}
	if kinds[models.KindMethod] == 0 {
		t.Errorf("expected a method fragment for the class member")
	}
}

func Test_Chunk_OrderedByStartLine(t *testing.T) {
	c := chunker.New(zap.NewNop())
	frags := c.Chunk("/repo/a.py", []byte(pySource))
	for i := 2; i < len(frags); i++ {
		if frags[i-1].StartLine > frags[i].StartLine {
			t.Fatalf("fragments out of order at %d: %d > %d", i, frags[i-1].StartLine, frags[i].StartLine)
		}
	}
}

func Test_Chunk_Deterministic(t *testing.T) {
	c := chunker.New(zap.NewNop())
	a := c.Chunk("/repo/a.py", []byte(pySource))
	b := c.Chunk("/repo/a.py", []byte(pySource))
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("chunker output differs across runs for identical input")
	}
}

func Test_Chunk_FallbackWindows(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&sb, "line %d of some configuration\n", i)
	}
	content := sb.String()
	c := chunker.New(zap.NewNop())
	frags := c.Chunk("/repo/notes.conf", []byte(content))

	nonAnchor := frags[1:]
	if len(nonAnchor) < 2 {
		t.Fatalf("expected multiple windows for 300 lines, got %d", len(nonAnchor))
	}
	for i, f := range nonAnchor {
		if f.Kind != models.KindFallback {
			t.Errorf("window %d: kind = %s, want fallback", i, f.Kind)
		}
		if f.EndLine-f.StartLine > chunker.MaxLines {
			t.Errorf("window %d exceeds MaxLines", i)
		}
		if i > 0 {
			prev := nonAnchor[i-1]
			if f.StartLine != prev.StartLine+chunker.MaxLines-chunker.OverlapLines {
				t.Errorf("window %d does not overlap by %d lines", i, chunker.OverlapLines)
			}
		}
	}
}

func Test_Chunk_OversizedFunctionSliced(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("def big():\n")
	for i := 0; i < 400; i++ {
		fmt.Fprintf(&sb, "    x%d = %d\n", i, i)
	}
	c := chunker.New(zap.NewNop())
	frags := c.Chunk("/repo/big.py", []byte(sb.String()))

	windows := 0
	for _, f := range frags {
		if f.Kind != models.KindFunction {
			continue
		}
		windows++
		if f.EndLine-f.StartLine > chunker.MaxLines {
			t.Errorf("slice [%d,%d) exceeds MaxLines", f.StartLine, f.EndLine)
		}
	}
	if windows < 2 {
		t.Fatalf("expected the 400-line function to be sliced, got %d windows", windows)
	}
}

func Test_Chunk_EmptyInput(t *testing.T) {
	c := chunker.New(zap.NewNop())
	if frags := c.Chunk("/repo/empty.py", nil); frags != nil {
		t.Fatalf("empty input should produce no fragments, got %d", len(frags))
	}
}

func Test_Chunk_TinyNodesPromoted(t *testing.T) {
	src := "def one():\n    return 1\n"
	c := chunker.New(zap.NewNop())
	frags := c.Chunk("/repo/tiny.py", []byte(src))
	for _, f := range frags {
		if f.Kind == models.KindFunction {
			t.Fatalf("a %d-line function should not be emitted alone", 2)
		}
	}
}

func Test_DisplayText_StripsPreamble(t *testing.T) {
	c := chunker.New(zap.NewNop())
	frags := c.Chunk("/repo/a.py", []byte(pySource))
	for _, f := range frags {
		if f.Kind != models.KindMethod {
			continue
		}
		display := chunker.DisplayText(f.Text)
		if strings.Contains(display, "import os") {
			t.Fatalf("display text should strip the context preamble")
		}
		if !strings.Contains(display, "def greet") {
			t.Fatalf("display text should retain the fragment body")
		}
		return
	}
	t.Fatal("no method fragment found")
}
