// Package critical decides which graph nodes sit on a designated critical
// path. A node is critical when its path matches one of the configured glob
// patterns or when the optional Risor predicate returns a truthy value.
package critical

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/jward/conflux/internal/config"
	"github.com/jward/conflux/internal/runtime"
	"github.com/jward/conflux/internal/store"
)

// Classifier tags nodes with store.TagCritical.
type Classifier struct {
	patterns    []string
	pred        *runtime.Predicate
	fingerprint string
	logger      *zap.Logger
}

// New validates patterns and returns a Classifier. pred may be nil.
//
// A pattern containing '#' is matched against "path#qualified_name" so a
// single symbol can be singled out; otherwise it is matched against the path.
func New(patterns []string, pred *runtime.Predicate, logger *zap.Logger) (*Classifier, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("critical: invalid pattern %q", p)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{patterns: patterns, pred: pred, logger: logger.Named("critical")}
	if c.Enabled() {
		rules := slices.Sorted(slices.Values(patterns))
		if pred != nil {
			rules = append(rules, "script:"+pred.Source())
		}
		c.fingerprint = store.ContentHash([]byte(strings.Join(rules, "\x00")))
	}
	return c, nil
}

// Fingerprint identifies the configured rules, or is empty when none are.
func (c *Classifier) Fingerprint() string {
	if c == nil {
		return ""
	}
	return c.fingerprint
}

// FromConfig builds a Classifier from the critical config section. The
// script, if any, is loaded through rt.
func FromConfig(cfg config.CriticalConfig, rt *runtime.Runtime, logger *zap.Logger) (*Classifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var pred *runtime.Predicate
	if cfg.Script != "" {
		if rt == nil {
			rt = runtime.NewRuntime("", runtime.WithLogger(logger))
		}
		p, err := rt.PredicateFromFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("critical: %w", err)
		}
		pred = p
	}
	return New(cfg.Patterns, pred, logger)
}

// Enabled reports whether any rule is configured.
func (c *Classifier) Enabled() bool {
	return c != nil && (len(c.patterns) > 0 || c.pred != nil)
}

// Classify reports whether n is critical.
func (c *Classifier) Classify(ctx context.Context, n *store.Node) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	for _, p := range c.patterns {
		subject := n.Path
		if strings.Contains(p, "#") {
			subject = n.Path + "#" + n.QualifiedName
		}
		if doublestar.MatchUnvalidated(p, subject) {
			return true, nil
		}
	}
	if c.pred == nil {
		return false, nil
	}
	return c.pred.Match(ctx, n)
}

// Tag adds store.TagCritical to every critical node in nodes. A predicate
// error leaves the node untagged and is logged; only cancellation aborts.
func (c *Classifier) Tag(ctx context.Context, nodes []*store.Node) error {
	if !c.Enabled() {
		return nil
	}
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := c.Classify(ctx, n)
		if err != nil {
			c.logger.Warn("critical predicate failed",
				zap.String("node", n.QualifiedName),
				zap.String("path", n.Path),
				zap.Error(err))
			continue
		}
		if ok && !n.Critical() {
			n.Tags = append(n.Tags, store.TagCritical)
		}
	}
	return nil
}
