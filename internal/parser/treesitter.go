package parser

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/conflux/internal/store"
)

// TreeSitter is the default Parser. It is safe for concurrent use; each call
// gets its own tree-sitter parser.
type TreeSitter struct{}

// NewTreeSitter returns the tree-sitter parser.
func NewTreeSitter() *TreeSitter {
	return &TreeSitter{}
}

// Parse parses req.Content. Files with syntax errors are reported as parse
// failures so half-edited files never replace a good graph state.
func (p *TreeSitter) Parse(ctx context.Context, req Request) (*Snapshot, error) {
	lang := req.Language
	if lang == "" {
		var ok bool
		lang, ok = LanguageForFile(req.Path)
		if !ok {
			return nil, &Error{Path: req.Path, Reason: "no grammar for file extension", Err: ErrUnsupportedLanguage}
		}
	}
	grammar, ok := GrammarForLanguage(lang)
	spec := specs[lang]
	if !ok || spec == nil {
		return nil, &Error{Language: lang, Path: req.Path, Reason: "no grammar", Err: ErrUnsupportedLanguage}
	}

	tp := sitter.NewParser()
	defer tp.Close()
	tp.SetLanguage(grammar)
	tree, err := tp.ParseCtx(ctx, nil, req.Content)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &Error{Language: lang, Path: req.Path, Reason: "parser aborted", Err: err}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		line := firstErrorLine(root)
		return nil, &Error{Language: lang, Path: req.Path, Reason: fmt.Sprintf("syntax error near line %d", line)}
	}

	ex := &extractor{spec: spec, src: req.Content, lang: lang}
	ex.walk(root)
	if err := ctx.Err(); err != nil {
		return nil, &Error{Language: lang, Path: req.Path, Reason: "parser aborted", Err: err}
	}
	return &Snapshot{Language: lang, Symbols: ex.symbols, References: ex.refs}, nil
}

// firstErrorLine finds the first ERROR or MISSING node, 1-based.
func firstErrorLine(root *sitter.Node) int {
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.IsError() || n.IsMissing() {
			return int(n.StartPoint().Row) + 1
		}
		for i := int(n.ChildCount()) - 1; i >= 0; i-- {
			if ch := n.Child(i); ch != nil && (ch.HasError() || ch.IsMissing()) {
				stack = append(stack, ch)
			}
		}
	}
	return int(root.StartPoint().Row) + 1
}

type extractor struct {
	spec    *langSpec
	src     []byte
	lang    string
	symbols []Symbol
	refs    []Reference
	seen    map[Reference]bool
}

// frame is one pending node with the naming context it inherits.
type frame struct {
	node      *sitter.Node
	container string // qualifier for nested declarations
	enclosing string // qualified name of the enclosing symbol
}

// walk visits the tree with an explicit stack in document order.
func (ex *extractor) walk(root *sitter.Node) {
	ex.seen = map[Reference]bool{}
	stack := []frame{{node: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := f.node
		typ := n.Type()
		container, enclosing := f.container, f.enclosing

		if kind, ok := ex.spec.defs[typ]; ok {
			if sym, ok := ex.symbol(n, kind, container); ok {
				ex.symbols = append(ex.symbols, sym)
				enclosing = sym.QualifiedName
				if _, isContainer := ex.spec.containers[typ]; isContainer {
					container = sym.QualifiedName
				}
			}
		} else if field, ok := ex.spec.containers[typ]; ok {
			if nameNode := n.ChildByFieldName(field); nameNode != nil {
				container = qualify(container, baseTypeName(nameNode.Content(ex.src)), ex.spec.sep)
			}
		}

		if field, ok := ex.spec.calls[typ]; ok {
			if callee := n.ChildByFieldName(field); callee != nil {
				if name := lastIdent(callee.Content(ex.src)); name != "" {
					ex.ref(Reference{From: enclosing, Name: name, Kind: store.EdgeCalls, Line: int(n.StartPoint().Row) + 1})
				}
			}
		}
		if ex.spec.typeRefs[typ] && enclosing != "" {
			name := n.Content(ex.src)
			if !strings.HasSuffix(enclosing, ex.spec.sep+name) && enclosing != name {
				ex.ref(Reference{From: enclosing, Name: name, Kind: store.EdgeReferences, Line: int(n.StartPoint().Row) + 1})
			}
		}

		for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
			if ch := n.NamedChild(i); ch != nil {
				stack = append(stack, frame{node: ch, container: container, enclosing: enclosing})
			}
		}
	}
}

func (ex *extractor) ref(r Reference) {
	key := Reference{From: r.From, Name: r.Name, Kind: r.Kind}
	if ex.seen[key] {
		return
	}
	ex.seen[key] = true
	ex.refs = append(ex.refs, r)
}

func (ex *extractor) symbol(n *sitter.Node, kind store.NodeKind, container string) (Symbol, bool) {
	name := ex.declName(n)
	if name == "" {
		return Symbol{}, false
	}
	if kind == store.KindFunction && container != "" {
		kind = store.KindMethod
	}
	if kind == store.KindMethod && ex.lang == "go" {
		if recv := n.ChildByFieldName("receiver"); recv != nil {
			container = goReceiverType(recv, ex.src)
		}
	}
	content := n.Content(ex.src)
	sym := Symbol{
		Name:          name,
		QualifiedName: qualify(container, name, ex.spec.sep),
		Kind:          kind,
		StartLine:     int(n.StartPoint().Row) + 1,
		EndLine:       int(n.EndPoint().Row) + 1,
		Signature:     ex.signature(n),
		ContentHash:   store.ContentHash([]byte(content)),
	}
	if ex.spec.visibility != nil {
		sym.Visibility = ex.spec.visibility(name, n, ex.src)
	}
	return sym, true
}

// declName reads the name field, descending through C-style declarators.
func (ex *extractor) declName(n *sitter.Node) string {
	if nameNode := n.ChildByFieldName("name"); nameNode != nil {
		return nameNode.Content(ex.src)
	}
	d := n.ChildByFieldName("declarator")
	for depth := 0; d != nil && depth < 8; depth++ {
		switch d.Type() {
		case "identifier", "field_identifier", "qualified_identifier", "destructor_name", "operator_name":
			return lastIdent(d.Content(ex.src))
		}
		d = d.ChildByFieldName("declarator")
	}
	return ""
}

// paramsNode finds the parameter list directly or through a declarator.
func (ex *extractor) paramsNode(n *sitter.Node) *sitter.Node {
	if p := n.ChildByFieldName("parameters"); p != nil {
		return p
	}
	d := n.ChildByFieldName("declarator")
	for depth := 0; d != nil && depth < 8; depth++ {
		if p := d.ChildByFieldName("parameters"); p != nil {
			return p
		}
		d = d.ChildByFieldName("declarator")
	}
	return nil
}

func (ex *extractor) signature(n *sitter.Node) store.Signature {
	var sig store.Signature
	text := n.Content(ex.src)
	if body := n.ChildByFieldName("body"); body != nil && body.StartByte() > n.StartByte() {
		text = string(ex.src[n.StartByte():body.StartByte()])
	} else if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	sig.Text = strings.Join(strings.Fields(text), " ")

	if params := ex.paramsNode(n); params != nil {
		for i := 0; i < int(params.NamedChildCount()); i++ {
			sig.Params = append(sig.Params, ex.params(params.NamedChild(i))...)
		}
	}
	if ex.spec.returnField != "" {
		if ret := n.ChildByFieldName(ex.spec.returnField); ret != nil {
			if ret.Type() == "parameter_list" {
				for i := 0; i < int(ret.NamedChildCount()); i++ {
					for _, p := range ex.params(ret.NamedChild(i)) {
						sig.Returns = append(sig.Returns, p.Type)
					}
				}
			} else {
				sig.Returns = append(sig.Returns, strings.TrimSpace(strings.TrimPrefix(ret.Content(ex.src), ":")))
			}
		}
	}
	return sig
}

// params expands one parameter node. Go groups names sharing a type.
func (ex *extractor) params(p *sitter.Node) []store.Param {
	switch p.Type() {
	case "comment", "self_parameter":
		return nil
	}
	typ := ""
	if t := p.ChildByFieldName("type"); t != nil {
		typ = strings.TrimSpace(strings.TrimPrefix(t.Content(ex.src), ":"))
	}
	var names []string
	for i := 0; i < int(p.NamedChildCount()); i++ {
		if ch := p.NamedChild(i); ch.Type() == "identifier" {
			names = append(names, ch.Content(ex.src))
		}
	}
	if len(names) == 0 {
		if nm := p.ChildByFieldName("name"); nm != nil {
			names = []string{nm.Content(ex.src)}
		} else if pat := p.ChildByFieldName("pattern"); pat != nil {
			names = []string{pat.Content(ex.src)}
		}
	}
	if typ == "" && len(names) == 0 {
		// Untyped, unnamed parameter such as a bare Python identifier.
		return []store.Param{{Name: p.Content(ex.src)}}
	}
	if len(names) == 0 {
		return []store.Param{{Type: typ}}
	}
	out := make([]store.Param, len(names))
	for i, nm := range names {
		out[i] = store.Param{Name: nm, Type: typ}
	}
	return out
}

func goReceiverType(recv *sitter.Node, src []byte) string {
	for i := 0; i < int(recv.NamedChildCount()); i++ {
		if t := recv.NamedChild(i).ChildByFieldName("type"); t != nil {
			return baseTypeName(t.Content(src))
		}
	}
	return ""
}

// baseTypeName strips pointers, references and generic arguments.
func baseTypeName(s string) string {
	s = strings.TrimLeft(strings.TrimSpace(s), "*&")
	if i := strings.IndexAny(s, "<["); i > 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func qualify(container, name, sep string) string {
	if container == "" {
		return name
	}
	return container + sep + name
}

// lastIdent returns the final identifier in a callee expression such as
// "a.b.Charge" or "billing::charge".
func lastIdent(s string) string {
	end := len(s)
	for end > 0 && !isIdentRune(rune(s[end-1])) {
		end--
	}
	start := end
	for start > 0 && isIdentRune(rune(s[start-1])) {
		start--
	}
	return s[start:end]
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
