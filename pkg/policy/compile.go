package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/arc/v2"
	"go.uber.org/zap"

	"netpolicy/pkg/policy/classifier"
	"netpolicy/pkg/policy/field"
)

// CompilerConfig configures a Compiler.
type CompilerConfig struct {
	// CacheSize is the number of compiled sub-policies kept, zero disables
	// the cache.
	CacheSize int `mapstructure:"cache_size"`
	// Disjoint concatenates parallel classifiers whose rules do not
	// overlap instead of multiplying them.
	Disjoint bool `mapstructure:"disjoint"`
}

// Compiler lowers policies to classifiers.
type Compiler struct {
	fields *field.Registry
	config CompilerConfig
	cache  *arc.ARCCache[string, *classifier.Classifier]
	logger *zap.Logger
}

// NewCompiler returns a compiler validating fields against fields.
func NewCompiler(fields *field.Registry, config CompilerConfig, logger *zap.Logger) (*Compiler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fields == nil {
		fields = field.NewRegistry()
	}
	c := &Compiler{
		fields: fields,
		config: config,
		logger: logger.Named("compiler"),
	}
	if config.CacheSize > 0 {
		cache, err := arc.NewARC[string, *classifier.Classifier](config.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create compile cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Fields returns the field registry of c.
func (c *Compiler) Fields() *field.Registry {
	return c.fields
}

// Compile lowers pol to a classifier equivalent to it on every packet.
func (c *Compiler) Compile(pol Policy) (*classifier.Classifier, error) {
	return c.CompileContext(context.Background(), pol)
}

// CompileContext is Compile, abandoned when ctx is done.
func (c *Compiler) CompileContext(ctx context.Context, pol Policy) (*classifier.Classifier, error) {
	start := time.Now()
	out, err := c.compile(ctx, pol, 0)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Compiled policy",
		zap.Int("rules", out.Len()),
		zap.Duration("took", time.Since(start)))
	return out, nil
}

func (c *Compiler) compile(ctx context.Context, pol Policy, depth int) (*classifier.Classifier, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompileAborted, err)
	}
	cacheable := c.cache != nil && depth == 0 && cacheworthy(pol)
	var key string
	if cacheable {
		key = cacheKey(pol)
		if out, ok := c.cache.Get(key); ok {
			return out, nil
		}
	}
	out, err := c.lower(ctx, pol, depth)
	if err != nil {
		return nil, err
	}
	if cacheable {
		c.cache.Add(key, out)
	}
	return out, nil
}

// cacheworthy reports whether pol is a composite node; leaves are cheaper
// to lower than to render as a key.
func cacheworthy(pol Policy) bool {
	switch pol.(type) {
	case ParallelPol, SequentialPol, IfPol, RestrictPol, RemovePol, UnionPred, IntersectPred, DiffPred:
		return true
	}
	return false
}

// cacheKey renders pol with the kind and encoding of every value it holds,
// so values of different kinds printing alike get distinct keys.
func cacheKey(pol Policy) string {
	var b strings.Builder
	b.WriteString(pol.String())
	value := func(v field.Value) {
		fmt.Fprintf(&b, "%d:%x;", v.Kind(), v.Uint64())
	}
	values := func(fs map[string]field.Value) {
		names := make([]string, 0, len(fs))
		for name := range fs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString(name + "=")
			value(fs[name])
		}
	}
	Walk(pol, func(n Policy) bool {
		switch n := n.(type) {
		case MatchPred:
			b.WriteString("|m ")
			for _, name := range n.M.Fields() {
				pat, _ := n.M.Get(name)
				b.WriteString(name + "=")
				switch {
				case pat.Absent:
					b.WriteString("none;")
				case pat.Prefix.IsValid():
					b.WriteString(pat.Prefix.String() + ";")
				default:
					value(pat.Value)
				}
			}
		case ModifyPol:
			b.WriteString("|w ")
			values(n.Fields)
		case PushPol:
			b.WriteString("|u ")
			values(n.Fields)
		case FwdPol:
			b.WriteString("|f ")
			value(n.Port)
		}
		return true
	})
	return b.String()
}

func (c *Compiler) lower(ctx context.Context, pol Policy, depth int) (*classifier.Classifier, error) {
	switch pol := pol.(type) {
	case Pred:
		return c.lowerPred(ctx, pol, depth)
	case ModifyPol:
		for k, v := range pol.Fields {
			if err := c.fields.Check(k, v); err != nil {
				return nil, fmt.Errorf("failed to compile %s: %w", pol, err)
			}
		}
		return classifier.Single(classifier.Do(pol.ops()...)), nil
	case PushPol:
		for k, v := range pol.Fields {
			if err := c.fields.Check(k, v); err != nil {
				return nil, fmt.Errorf("failed to compile %s: %w", pol, err)
			}
		}
		return classifier.Single(classifier.Do(pol.ops()...)), nil
	case PopPol:
		for _, k := range pol.Fields {
			if err := c.declared(k); err != nil {
				return nil, fmt.Errorf("failed to compile %s: %w", pol, err)
			}
		}
		return classifier.Single(classifier.Do(pol.ops()...)), nil
	case CopyPol:
		for dst, src := range pol.Fields {
			if err := c.declared(dst); err != nil {
				return nil, fmt.Errorf("failed to compile %s: %w", pol, err)
			}
			if err := c.declared(src); err != nil {
				return nil, fmt.Errorf("failed to compile %s: %w", pol, err)
			}
		}
		return classifier.Single(classifier.Do(pol.ops()...)), nil
	case FwdPol:
		return classifier.Single(classifier.Do(pol.ops()...)), nil
	case RestrictPol:
		pred, err := c.compile(ctx, pol.Pred, depth)
		if err != nil {
			return nil, err
		}
		body, err := c.compile(ctx, pol.Pol, depth)
		if err != nil {
			return nil, err
		}
		return classifier.Sequential(pred, body)
	case RemovePol:
		pred, err := c.compile(ctx, pol.Pred, depth)
		if err != nil {
			return nil, err
		}
		body, err := c.compile(ctx, pol.Pol, depth)
		if err != nil {
			return nil, err
		}
		return classifier.Sequential(classifier.Negate(pred), body)
	case IfPol:
		pred, err := c.compile(ctx, pol.Pred, depth)
		if err != nil {
			return nil, err
		}
		then, err := c.compile(ctx, pol.Then, depth)
		if err != nil {
			return nil, err
		}
		els, err := c.compile(ctx, pol.Else, depth)
		if err != nil {
			return nil, err
		}
		t, err := classifier.Sequential(pred, then)
		if err != nil {
			return nil, err
		}
		f, err := classifier.Sequential(classifier.Negate(pred), els)
		if err != nil {
			return nil, err
		}
		return c.parallel(t, f), nil
	case ParallelPol:
		var out *classifier.Classifier
		for _, sub := range pol.Pols {
			next, err := c.compile(ctx, sub, depth)
			if err != nil {
				return nil, err
			}
			if out == nil {
				out = next
				continue
			}
			out = c.parallel(out, next)
		}
		if out == nil {
			return classifier.Drop(), nil
		}
		return out, nil
	case SequentialPol:
		out := classifier.Pass()
		for _, sub := range pol.Pols {
			next, err := c.compile(ctx, sub, depth)
			if err != nil {
				return nil, err
			}
			out, err = classifier.Sequential(out, next)
			if err != nil {
				return nil, fmt.Errorf("failed to compile %s: %w", sub, err)
			}
		}
		return out, nil
	case QueryPol:
		return classifier.Single(classifier.ToSink(pol.Bucket.ID())), nil
	case *Dynamic:
		return c.compile(ctx, pol.Policy(), depth)
	case *Recurse:
		t, ok := pol.Target()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnbound, pol)
		}
		if depth >= MaxRecursion {
			return classifier.Drop(), nil
		}
		return c.compile(ctx, t, depth+1)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPolicy, pol)
	}
}

func (c *Compiler) lowerPred(ctx context.Context, pred Pred, depth int) (*classifier.Classifier, error) {
	switch pred := pred.(type) {
	case allPackets:
		return classifier.Pass(), nil
	case noPackets:
		return classifier.Drop(), nil
	case MatchPred:
		for _, k := range pred.M.Fields() {
			p, _ := pred.M.Get(k)
			if err := c.fields.CheckPattern(k, p); err != nil {
				return nil, fmt.Errorf("failed to compile %s: %w", pred, err)
			}
		}
		return classifier.Filter(pred.M), nil
	case UnionPred:
		return c.fold(ctx, pred.Preds, depth, classifier.Drop(), classifier.Or)
	case IntersectPred:
		return c.fold(ctx, pred.Preds, depth, classifier.Pass(), classifier.And)
	case DiffPred:
		base, err := c.compile(ctx, pred.Base, depth)
		if err != nil {
			return nil, err
		}
		diffs, err := c.fold(ctx, pred.Diffs, depth, classifier.Drop(), classifier.Or)
		if err != nil {
			return nil, err
		}
		return classifier.And(base, classifier.Negate(diffs)), nil
	case NegatePred:
		inner, err := c.compile(ctx, pred.P, depth)
		if err != nil {
			return nil, err
		}
		return classifier.Negate(inner), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPolicy, pred)
	}
}

func (c *Compiler) fold(ctx context.Context, ps []Pred, depth int, unit *classifier.Classifier, op func(a, b *classifier.Classifier) *classifier.Classifier) (*classifier.Classifier, error) {
	out := unit
	for _, p := range ps {
		next, err := c.compile(ctx, p, depth)
		if err != nil {
			return nil, err
		}
		out = op(out, next)
	}
	return out, nil
}

func (c *Compiler) parallel(a, b *classifier.Classifier) *classifier.Classifier {
	if c.config.Disjoint {
		if out, ok := classifier.ParallelDisjoint(a, b); ok {
			return out
		}
	}
	return classifier.Parallel(a, b)
}

func (c *Compiler) declared(name string) error {
	if _, ok := c.fields.Lookup(name); !ok {
		return fmt.Errorf("%w: %s", field.ErrUndeclaredField, name)
	}
	return nil
}
