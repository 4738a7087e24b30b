package trigger

import (
	"fmt"
	"sync"

	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"github.com/google/cel-go/cel"
)

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

// celEnv declares the two inputs of a trigger expression: the attribute maps
// of the source CI and of the candidate target CI.
func celEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(
			cel.Variable("source", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("target", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return env, envErr
}

// Program is a compiled trigger expression.
type Program struct {
	expr string
	prg  cel.Program
}

// Compile checks that expr is valid and evaluates to a bool.
func Compile(expr string) (*Program, error) {
	e, err := celEnv()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "expression environment unavailable")
	}
	if expr == "" {
		return nil, appErr.New(appErr.CodeInvalid, "expression is empty")
	}
	ast, iss := e.Compile(expr)
	if iss.Err() != nil {
		return nil, appErr.Wrap(iss.Err(), appErr.CodeInvalid, "expression does not compile")
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, appErr.Newf(appErr.CodeInvalid, "expression must return bool, got %s", ast.OutputType())
	}
	prg, err := e.Program(ast)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "expression program failed")
	}
	return &Program{expr: expr, prg: prg}, nil
}

// Eval runs the expression for one source/target pair.
func (p *Program) Eval(source, target map[string]any) (bool, error) {
	out, _, err := p.prg.Eval(map[string]any{"source": source, "target": target})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T", out.Value())
	}
	return b, nil
}

// ExpressionCache keeps one compiled program per trigger. An edited
// expression replaces the cached one.
type ExpressionCache struct {
	mu    sync.RWMutex
	progs map[uint]*Program
}

func NewExpressionCache() *ExpressionCache {
	return &ExpressionCache{progs: map[uint]*Program{}}
}

func (c *ExpressionCache) Get(triggerID uint, expr string) (*Program, error) {
	c.mu.RLock()
	p, ok := c.progs[triggerID]
	c.mu.RUnlock()
	if ok && p.expr == expr {
		return p, nil
	}
	p, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.progs[triggerID] = p
	c.mu.Unlock()
	return p, nil
}
