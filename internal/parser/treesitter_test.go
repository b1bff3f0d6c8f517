package parser

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/conflux/internal/store"
)

func parse(t *testing.T, path, src string) *Snapshot {
	t.Helper()
	snap, err := NewTreeSitter().Parse(context.Background(), Request{Repository: "r", Path: path, Content: []byte(src)})
	require.NoError(t, err)
	return snap
}

func symbolByQName(snap *Snapshot, q string) *Symbol {
	for i := range snap.Symbols {
		if snap.Symbols[i].QualifiedName == q {
			return &snap.Symbols[i]
		}
	}
	return nil
}

func hasRef(snap *Snapshot, from, name string, kind store.EdgeKind) bool {
	for _, r := range snap.References {
		if r.From == from && r.Name == name && r.Kind == kind {
			return true
		}
	}
	return false
}

// =============================================================================
// Languages
// =============================================================================

const rustPayment = `pub struct Payment {
    amount: u64,
}

pub fn process_payment(p: &Payment, currency: &str) -> Result<(), String> {
    validate(p);
    Ok(())
}

fn validate(p: &Payment) -> bool {
    p.amount > 0
}
`

func TestTreeSitter_Rust(t *testing.T) {
	t.Parallel()
	snap := parse(t, "src/payment.rs", rustPayment)
	assert.Equal(t, "rust", snap.Language)

	pay := symbolByQName(snap, "process_payment")
	require.NotNil(t, pay)
	assert.Equal(t, store.KindFunction, pay.Kind)
	assert.Equal(t, "public", pay.Visibility)
	require.Len(t, pay.Signature.Params, 2)
	assert.Equal(t, "&Payment", pay.Signature.Params[0].Type)
	assert.Equal(t, "&str", pay.Signature.Params[1].Type)
	assert.Equal(t, []string{"Result<(), String>"}, pay.Signature.Returns)
	assert.Equal(t, 5, pay.StartLine)
	assert.NotEmpty(t, pay.ContentHash)

	v := symbolByQName(snap, "validate")
	require.NotNil(t, v)
	assert.Equal(t, "private", v.Visibility)

	require.NotNil(t, symbolByQName(snap, "Payment"))
	assert.True(t, hasRef(snap, "process_payment", "validate", store.EdgeCalls))
	assert.True(t, hasRef(snap, "process_payment", "Payment", store.EdgeReferences))
}

func TestTreeSitter_RustImplMethods(t *testing.T) {
	t.Parallel()
	snap := parse(t, "src/gateway.rs", `struct Gateway;

impl Gateway {
    pub fn charge(&self, cents: u64) -> bool {
        true
    }
}
`)
	m := symbolByQName(snap, "Gateway::charge")
	require.NotNil(t, m)
	assert.Equal(t, store.KindMethod, m.Kind)
	require.Len(t, m.Signature.Params, 1, "self is not a parameter")
	assert.Equal(t, "u64", m.Signature.Params[0].Type)
}

func TestTreeSitter_Go(t *testing.T) {
	t.Parallel()
	snap := parse(t, "billing/invoice.go", `package billing

type Invoice struct{ Total int }

func (i *Invoice) Charge(amount int, note string) (bool, error) {
	return validate(amount), nil
}

func validate(a, b int) bool { return a > b }
`)
	charge := symbolByQName(snap, "Invoice.Charge")
	require.NotNil(t, charge)
	assert.Equal(t, store.KindMethod, charge.Kind)
	assert.Equal(t, "public", charge.Visibility)
	require.Len(t, charge.Signature.Params, 2)
	assert.Equal(t, store.Param{Name: "amount", Type: "int"}, charge.Signature.Params[0])
	assert.Equal(t, []string{"bool", "error"}, charge.Signature.Returns)

	v := symbolByQName(snap, "validate")
	require.NotNil(t, v)
	assert.Equal(t, "private", v.Visibility)
	assert.Len(t, v.Signature.Params, 2, "grouped names expand")

	require.NotNil(t, symbolByQName(snap, "Invoice"))
	assert.True(t, hasRef(snap, "Invoice.Charge", "validate", store.EdgeCalls))
	assert.True(t, hasRef(snap, "Invoice.Charge", "Invoice", store.EdgeReferences))
}

func TestTreeSitter_Python(t *testing.T) {
	t.Parallel()
	snap := parse(t, "shop/cart.py", `class Cart:
    def total(self, items):
        return sum_items(items)


def sum_items(items: list) -> int:
    return 0


def _helper():
    pass
`)
	total := symbolByQName(snap, "Cart.total")
	require.NotNil(t, total)
	assert.Equal(t, store.KindMethod, total.Kind)
	assert.Len(t, total.Signature.Params, 2)

	sum := symbolByQName(snap, "sum_items")
	require.NotNil(t, sum)
	assert.Equal(t, []string{"int"}, sum.Signature.Returns)

	h := symbolByQName(snap, "_helper")
	require.NotNil(t, h)
	assert.Equal(t, "private", h.Visibility)
	assert.True(t, hasRef(snap, "Cart.total", "sum_items", store.EdgeCalls))
}

// =============================================================================
// Failures
// =============================================================================

func TestTreeSitter_SyntaxErrorIsParseFailure(t *testing.T) {
	t.Parallel()
	_, err := NewTreeSitter().Parse(context.Background(), Request{Path: "a.go", Content: []byte("package a\n\nfunc (\n")})
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "go", pe.Language)
	assert.Contains(t, pe.Reason, "syntax error")
}

func TestTreeSitter_UnsupportedExtension(t *testing.T) {
	t.Parallel()
	_, err := NewTreeSitter().Parse(context.Background(), Request{Path: "README.md", Content: []byte("# hi")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedLanguage))
}

func TestTreeSitter_CancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTreeSitter().Parse(ctx, Request{Path: "a.rs", Content: []byte(rustPayment)})
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "rust", pe.Language)
}

func TestLanguageForFile(t *testing.T) {
	t.Parallel()
	lang, ok := LanguageForFile("x/Y.TSX")
	assert.True(t, ok)
	assert.Equal(t, "typescript", lang)
	_, ok = LanguageForFile("Makefile")
	assert.False(t, ok)
	assert.True(t, Supported("main.go"))
}

func TestLastIdent(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Charge", lastIdent("billing.Charge"))
	assert.Equal(t, "new", lastIdent("Self::new"))
	assert.Equal(t, "run", lastIdent("obj.run "))
	assert.Equal(t, "", lastIdent("()"))
}
