package manifest

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Filter decides which files a builder includes, using a CEL expression over
// the variables name (string), path (string) and size (int).
type Filter struct {
	expr string
	prg  cel.Program
}

// NewFilter compiles a CEL include expression. An empty expression includes
// every file.
func NewFilter(expr string) (*Filter, error) {
	if expr == "" {
		return &Filter{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("name", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("size", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter must evaluate to bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Filter{expr: expr, prg: prg}, nil
}

// Include reports whether a file passes the filter
func (f *Filter) Include(name, path string, size int64) (bool, error) {
	if f == nil || f.prg == nil {
		return true, nil
	}

	out, _, err := f.prg.Eval(map[string]interface{}{
		"name": name,
		"path": path,
		"size": size,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}

// String returns the source expression
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}
