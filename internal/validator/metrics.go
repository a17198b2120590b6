package validator

import (
	"go/ast"
	"strings"
)

// Metrics summarizes the shape of a piece of source code. Used for status
// reporting only; no validation decision depends on it.
type Metrics struct {
	Lines     int `json:"lines"`
	Functions int `json:"functions"`
	Types     int `json:"types"`
	Imports   int `json:"imports"`
	Branches  int `json:"branches"`
}

// Metrics computes code-shape counters for source. Unparseable source yields
// line count only.
func (v *Validator) Metrics(source string) Metrics {
	m := Metrics{Lines: len(strings.Split(source, "\n"))}

	file, err := v.parse(source)
	if err != nil {
		return m
	}

	m.Imports = len(file.Imports)
	ast.Inspect(file, func(n ast.Node) bool {
		switch n.(type) {
		case *ast.FuncDecl:
			m.Functions++
		case *ast.TypeSpec:
			m.Types++
		case *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt, *ast.SwitchStmt, *ast.TypeSwitchStmt, *ast.SelectStmt:
			m.Branches++
		}
		return true
	})
	return m
}
