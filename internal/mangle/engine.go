package mangle

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"keke-agent/internal/config"
	"keke-agent/internal/logging"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

//go:embed keke.mg
var builtinSchema []byte

// ErrNotReady is returned by queries while the engine is disabled or has no schema.
var ErrNotReady = errors.New("engine not ready")

// Fact is one observation of the sync agent: a scraped message, an unread
// chat, a sent reply.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// WatchEvent is emitted when a watched predicate has derived facts.
type WatchEvent struct {
	Predicate string    `json:"predicate"`
	Facts     []Fact    `json:"facts"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine keeps a bounded buffer of facts and evaluates the schema rules
// over them.
type Engine struct {
	cfg config.MangleConfig

	mu           sync.RWMutex
	schemaLoaded bool
	programInfo  *analysis.ProgramInfo
	store        factstore.FactStore
	facts        []Fact
	index        map[string][]int

	subMu         sync.RWMutex
	subscriptions map[string][]chan WatchEvent
}

func NewEngine(cfg config.MangleConfig) (*Engine, error) {
	e := &Engine{
		cfg:           cfg,
		facts:         make([]Fact, 0, max(cfg.FactBufferLimit, 0)),
		index:         make(map[string][]int),
		store:         factstore.NewSimpleInMemoryStore(),
		subscriptions: make(map[string][]chan WatchEvent),
	}
	if !cfg.Enable {
		return e, nil
	}
	if cfg.SchemaPath != "" {
		if err := e.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
		return e, nil
	}
	if err := e.loadSource(builtinSchema); err != nil {
		return nil, fmt.Errorf("built-in schema: %w", err)
	}
	return e, nil
}

// LoadSchema parses and analyzes the rule file at path.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	return e.loadSource(data)
}

func (e *Engine) loadSource(src []byte) error {
	unit, err := parse.Unit(bytes.NewReader(src))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.programInfo = info
	e.schemaLoaded = true
	return nil
}

// AddRule analyzes ruleSource against the loaded declarations and merges it
// into the program.
func (e *Engine) AddRule(ruleSource string) error {
	if !e.cfg.Enable {
		return nil
	}
	unit, err := parse.Unit(bytes.NewReader([]byte(ruleSource)))
	if err != nil {
		return fmt.Errorf("parse rule: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	known := make(map[ast.PredicateSym]ast.Decl)
	if e.programInfo != nil {
		for sym, decl := range e.programInfo.Decls {
			if decl != nil {
				known[sym] = *decl
			}
		}
	}
	info, err := analysis.AnalyzeOneUnit(unit, known)
	if err != nil {
		return fmt.Errorf("analyze rule: %w", err)
	}

	if e.programInfo == nil {
		e.programInfo = info
		e.schemaLoaded = true
		return nil
	}
	for sym, decl := range info.Decls {
		e.programInfo.Decls[sym] = decl
	}
	e.programInfo.Rules = append(e.programInfo.Rules, info.Rules...)
	return nil
}

// AddFacts appends facts to the buffer and the store, then re-evaluates the
// rules. The oldest facts are dropped once the buffer limit is reached.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable || len(facts) == 0 {
		return nil
	}

	e.mu.Lock()
	e.facts = append(e.facts, facts...)
	if limit := e.cfg.FactBufferLimit; limit > 0 && len(e.facts) > limit {
		e.facts = e.facts[len(e.facts)-limit:]
	}
	e.rebuildIndex()

	for _, f := range facts {
		e.store.Add(factToAtom(f))
	}

	var evalErr error
	if e.schemaLoaded && e.programInfo != nil {
		evalErr = engine.EvalProgram(e.programInfo, e.store)
	}
	e.mu.Unlock()

	if evalErr != nil {
		return fmt.Errorf("eval program after fact insertion: %w", evalErr)
	}
	e.notifyWatchers()
	return nil
}

// Subscribe delivers derived facts of predicate to ch after every insertion.
// Slow subscribers miss events.
func (e *Engine) Subscribe(predicate string, ch chan WatchEvent) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscriptions[predicate] = append(e.subscriptions[predicate], ch)
}

func (e *Engine) Unsubscribe(predicate string, ch chan WatchEvent) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	chans := e.subscriptions[predicate]
	for i, c := range chans {
		if c == ch {
			e.subscriptions[predicate] = append(chans[:i], chans[i+1:]...)
			return
		}
	}
}

func (e *Engine) notifyWatchers() {
	e.subMu.RLock()
	watched := make(map[string][]chan WatchEvent, len(e.subscriptions))
	for p, chans := range e.subscriptions {
		if len(chans) > 0 {
			watched[p] = append([]chan WatchEvent(nil), chans...)
		}
	}
	e.subMu.RUnlock()

	for predicate, chans := range watched {
		facts := e.derived(predicate)
		if len(facts) == 0 {
			continue
		}
		ev := WatchEvent{Predicate: predicate, Facts: facts, Timestamp: time.Now()}
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
				logging.Debugf("watch %s: subscriber busy, event dropped", predicate)
			}
		}
	}
}

// Query runs a single-atom query such as `chat_author("Family", A).` and
// returns one binding per matching fact.
func (e *Engine) Query(ctx context.Context, query string) ([]QueryResult, error) {
	if !e.Ready() || !e.cfg.Enable {
		return nil, ErrNotReady
	}
	unit, err := parse.Unit(bytes.NewReader([]byte(query)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, errors.New("no query found")
	}
	atom := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(atom, func(found ast.Atom) error {
		row := make(QueryResult)
		for i, arg := range atom.Args {
			if i >= len(found.Args) {
				break
			}
			if v, ok := arg.(ast.Variable); ok && v.Symbol != "_" {
				row[v.Symbol] = convertConstant(found.Args[i])
			}
		}
		results = append(results, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return results, nil
}

// Evaluate runs the program and returns every fact of predicate.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.cfg.Enable {
		return nil, ErrNotReady
	}
	e.mu.Lock()
	if !e.schemaLoaded || e.programInfo == nil {
		e.mu.Unlock()
		return nil, ErrNotReady
	}
	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("eval program: %w", err)
	}
	e.mu.Unlock()
	return e.derived(predicate), nil
}

func (e *Engine) derived(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	arity := -1
	if e.programInfo != nil {
		for sym := range e.programInfo.Decls {
			if sym.Symbol == predicate {
				arity = sym.Arity
				break
			}
		}
	}
	query := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}}
	if arity >= 0 {
		query.Args = make([]ast.BaseTerm, arity)
		for i := range query.Args {
			query.Args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
		}
	}

	out := make([]Fact, 0)
	now := time.Now()
	_ = e.store.GetFacts(query, func(a ast.Atom) error {
		args := make([]interface{}, len(a.Args))
		for i, arg := range a.Args {
			args[i] = convertConstant(arg)
		}
		out = append(out, Fact{Predicate: a.Predicate.Symbol, Args: args, Timestamp: now})
		return nil
	})
	return out
}

// FactsByPredicate returns the buffered facts of predicate, oldest first.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, 0, len(e.index[predicate]))
	for _, i := range e.index[predicate] {
		out = append(out, e.facts[i])
	}
	return out
}

// QueryTemporal returns buffered facts of predicate strictly between after
// and before. A zero bound is open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	var out []Fact
	for _, f := range e.FactsByPredicate(predicate) {
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			out = append(out, f)
		}
	}
	return out
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether queries can run. A disabled engine is trivially ready.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.schemaLoaded || !e.cfg.Enable
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	case time.Time:
		return ast.Number(val.Unix())
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(term ast.BaseTerm) interface{} {
	c, ok := term.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", term)
	}
	switch c.Type {
	case ast.StringType:
		s, _ := c.StringValue()
		return s
	case ast.NumberType:
		if n, err := c.NumberValue(); err == nil {
			return n
		}
	case ast.Float64Type:
		if f, err := c.Float64Value(); err == nil {
			return f
		}
	}
	return c.String()
}
