package chunker

import (
	"path/filepath"
	"strings"
	"sync"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tsgo "github.com/tree-sitter/tree-sitter-go/bindings/go"
	tsjs "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
	tspy "github.com/tree-sitter/tree-sitter-python/bindings/go"
	tsts "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

// language couples a lazily loaded grammar with the node-kind tables the
// structural traversal needs.
type language struct {
	name string
	load func() *tree_sitter.Language

	functionKinds map[string]bool
	classKinds    map[string]bool
	methodKinds   map[string]bool
	blockKinds    map[string]bool
	importKinds   map[string]bool
	commentKind   string

	once sync.Once
	lang *tree_sitter.Language
}

func (l *language) grammar() *tree_sitter.Language {
	l.once.Do(func() {
		defer func() {
			// a grammar that panics on load just disables structural
			// chunking for this language
			_ = recover()
		}()
		l.lang = l.load()
	})
	return l.lang
}

var languages = map[string]*language{
	".ts": {
		name:          "typescript",
		load:          func() *tree_sitter.Language { return tree_sitter.NewLanguage(tsts.LanguageTypescript()) },
		functionKinds: jsFunctionKinds,
		classKinds:    jsClassKinds,
		methodKinds:   jsMethodKinds,
		blockKinds:    tsBlockKinds,
		importKinds:   jsImportKinds,
		commentKind:   "comment",
	},
	".tsx": {
		name:          "tsx",
		load:          func() *tree_sitter.Language { return tree_sitter.NewLanguage(tsts.LanguageTSX()) },
		functionKinds: jsFunctionKinds,
		classKinds:    jsClassKinds,
		methodKinds:   jsMethodKinds,
		blockKinds:    tsBlockKinds,
		importKinds:   jsImportKinds,
		commentKind:   "comment",
	},
	".js": {
		name:          "javascript",
		load:          func() *tree_sitter.Language { return tree_sitter.NewLanguage(tsjs.Language()) },
		functionKinds: jsFunctionKinds,
		classKinds:    jsClassKinds,
		methodKinds:   jsMethodKinds,
		blockKinds:    map[string]bool{},
		importKinds:   jsImportKinds,
		commentKind:   "comment",
	},
	".py": {
		name:          "python",
		load:          func() *tree_sitter.Language { return tree_sitter.NewLanguage(tspy.Language()) },
		functionKinds: map[string]bool{"function_definition": true},
		classKinds:    map[string]bool{"class_definition": true},
		methodKinds:   map[string]bool{},
		blockKinds:    map[string]bool{},
		importKinds: map[string]bool{
			"import_statement":      true,
			"import_from_statement": true,
		},
		commentKind: "comment",
	},
	".go": {
		name:          "go",
		load:          func() *tree_sitter.Language { return tree_sitter.NewLanguage(tsgo.Language()) },
		functionKinds: map[string]bool{"function_declaration": true},
		classKinds:    map[string]bool{"type_declaration": true},
		methodKinds:   map[string]bool{"method_declaration": true},
		blockKinds:    map[string]bool{"const_declaration": true, "var_declaration": true},
		importKinds:   map[string]bool{"import_declaration": true},
		commentKind:   "comment",
	},
}

var (
	jsFunctionKinds = map[string]bool{
		"function_declaration":           true,
		"generator_function_declaration": true,
	}
	jsClassKinds = map[string]bool{
		"class_declaration":     true,
		"interface_declaration": true,
	}
	jsMethodKinds = map[string]bool{
		"method_definition": true,
		"method_signature":  true,
	}
	tsBlockKinds = map[string]bool{
		"enum_declaration":       true,
		"type_alias_declaration": true,
	}
	jsImportKinds = map[string]bool{"import_statement": true}
)

func init() {
	languages[".mjs"] = languages[".js"]
	languages[".jsx"] = languages[".js"]
	languages[".pyi"] = languages[".py"]
}

// languageFor resolves a file extension to its language entry, or nil when
// the file type is unsupported.
func languageFor(path string) *language {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".ts" && strings.HasSuffix(strings.ToLower(path), ".d.ts") {
		return languages[".ts"]
	}
	return languages[ext]
}
