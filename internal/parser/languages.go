package parser

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	ts "github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/jward/conflux/internal/store"
)

// extToLanguage maps file extensions to canonical language names.
var extToLanguage = map[string]string{
	".go":   "go",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".py":   "python",
	".rs":   "rust",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".cxx":  "cpp",
	".hpp":  "cpp",
	".java": "java",
}

// langToGrammar maps language names to tree-sitter grammars. Lazily
// initialized on first use.
var (
	langToGrammar map[string]*sitter.Language
	grammarsOnce  sync.Once
)

func initGrammars() {
	grammarsOnce.Do(func() {
		langToGrammar = map[string]*sitter.Language{
			"go":         golang.GetLanguage(),
			"typescript": ts.GetLanguage(),
			"javascript": javascript.GetLanguage(),
			"python":     python.GetLanguage(),
			"rust":       rust.GetLanguage(),
			"c":          c.GetLanguage(),
			"cpp":        cpp.GetLanguage(),
			"java":       java.GetLanguage(),
		}
	})
}

// LanguageForFile returns the canonical language name for a path based on
// its extension.
func LanguageForFile(path string) (string, bool) {
	lang, ok := extToLanguage[strings.ToLower(filepath.Ext(path))]
	return lang, ok
}

// GrammarForLanguage returns the tree-sitter grammar for a language name.
func GrammarForLanguage(lang string) (*sitter.Language, bool) {
	initGrammars()
	l, ok := langToGrammar[lang]
	return l, ok
}

// Supported reports whether path has a grammar.
func Supported(path string) bool {
	_, ok := LanguageForFile(path)
	return ok
}

// langSpec tells the generic extractor which node types matter.
type langSpec struct {
	// defs maps declaration node types to the kind they produce.
	defs map[string]store.NodeKind
	// containers qualify declarations nested inside them; the value is the
	// field holding the container's name.
	containers map[string]string
	// calls maps call node types to the field naming the callee.
	calls map[string]string
	// typeRefs are node types recorded as type references.
	typeRefs map[string]bool
	// returnField is the declaration field holding the return type.
	returnField string
	sep         string
	visibility  func(name string, decl *sitter.Node, src []byte) string
}

var specs = map[string]*langSpec{
	"go": {
		defs: map[string]store.NodeKind{
			"function_declaration": store.KindFunction,
			"method_declaration":   store.KindMethod,
			"type_spec":            store.KindType,
		},
		calls:       map[string]string{"call_expression": "function"},
		typeRefs:    map[string]bool{"type_identifier": true},
		returnField: "result",
		sep:         ".",
		visibility: func(name string, _ *sitter.Node, _ []byte) string {
			if name != "" && strings.ToUpper(name[:1]) == name[:1] {
				return "public"
			}
			return "private"
		},
	},
	"rust": {
		defs: map[string]store.NodeKind{
			"function_item":           store.KindFunction,
			"function_signature_item": store.KindFunction,
			"struct_item":             store.KindType,
			"enum_item":               store.KindType,
			"trait_item":              store.KindType,
			"type_item":               store.KindType,
		},
		containers:  map[string]string{"impl_item": "type", "trait_item": "name", "mod_item": "name"},
		calls:       map[string]string{"call_expression": "function"},
		typeRefs:    map[string]bool{"type_identifier": true},
		returnField: "return_type",
		sep:         "::",
		visibility: func(_ string, decl *sitter.Node, _ []byte) string {
			for i := 0; i < int(decl.NamedChildCount()); i++ {
				if decl.NamedChild(i).Type() == "visibility_modifier" {
					return "public"
				}
			}
			return "private"
		},
	},
	"python": {
		defs: map[string]store.NodeKind{
			"function_definition": store.KindFunction,
			"class_definition":    store.KindType,
		},
		containers:  map[string]string{"class_definition": "name"},
		calls:       map[string]string{"call": "function"},
		returnField: "return_type",
		sep:         ".",
		visibility: func(name string, _ *sitter.Node, _ []byte) string {
			if strings.HasPrefix(name, "_") && !strings.HasPrefix(name, "__") {
				return "private"
			}
			return "public"
		},
	},
	"javascript": {
		defs: map[string]store.NodeKind{
			"function_declaration": store.KindFunction,
			"method_definition":    store.KindMethod,
			"class_declaration":    store.KindType,
		},
		containers: map[string]string{"class_declaration": "name"},
		calls:      map[string]string{"call_expression": "function"},
		sep:        ".",
		visibility: hashPrivate,
	},
	"typescript": {
		defs: map[string]store.NodeKind{
			"function_declaration":   store.KindFunction,
			"method_definition":      store.KindMethod,
			"class_declaration":      store.KindType,
			"interface_declaration":  store.KindType,
			"type_alias_declaration": store.KindType,
		},
		containers:  map[string]string{"class_declaration": "name", "interface_declaration": "name"},
		calls:       map[string]string{"call_expression": "function"},
		typeRefs:    map[string]bool{"type_identifier": true},
		returnField: "return_type",
		sep:         ".",
		visibility:  hashPrivate,
	},
	"java": {
		defs: map[string]store.NodeKind{
			"method_declaration":      store.KindMethod,
			"constructor_declaration": store.KindMethod,
			"class_declaration":       store.KindType,
			"interface_declaration":   store.KindType,
			"enum_declaration":        store.KindType,
		},
		containers:  map[string]string{"class_declaration": "name", "interface_declaration": "name"},
		calls:       map[string]string{"method_invocation": "name"},
		typeRefs:    map[string]bool{"type_identifier": true},
		returnField: "type",
		sep:         ".",
		visibility:  modifierVisibility,
	},
	"c": {
		defs: map[string]store.NodeKind{
			"function_definition": store.KindFunction,
			"struct_specifier":    store.KindType,
		},
		calls:       map[string]string{"call_expression": "function"},
		typeRefs:    map[string]bool{"type_identifier": true},
		returnField: "type",
		sep:         ".",
		visibility:  modifierVisibility,
	},
	"cpp": {
		defs: map[string]store.NodeKind{
			"function_definition": store.KindFunction,
			"class_specifier":     store.KindType,
			"struct_specifier":    store.KindType,
		},
		containers:  map[string]string{"class_specifier": "name", "namespace_definition": "name"},
		calls:       map[string]string{"call_expression": "function"},
		typeRefs:    map[string]bool{"type_identifier": true},
		returnField: "type",
		sep:         "::",
		visibility:  modifierVisibility,
	},
}

func hashPrivate(name string, _ *sitter.Node, _ []byte) string {
	if strings.HasPrefix(name, "#") || strings.HasPrefix(name, "_") {
		return "private"
	}
	return "public"
}

// modifierVisibility reads an explicit private/protected/static modifier.
func modifierVisibility(_ string, decl *sitter.Node, src []byte) string {
	for i := 0; i < int(decl.ChildCount()); i++ {
		ch := decl.Child(i)
		switch ch.Type() {
		case "modifiers", "storage_class_specifier", "access_specifier":
			text := ch.Content(src)
			switch {
			case strings.Contains(text, "private"), strings.Contains(text, "static"):
				return "private"
			case strings.Contains(text, "protected"):
				return "protected"
			}
		}
	}
	return "public"
}
