// Package validator gates candidate source code before it may be persisted
// or executed. It parses Go source, rejects on parse failure, and walks the
// syntax tree rejecting calls and imports that match a deny-list. A separate
// evolution check guards against a rewrite silently dropping the entry points
// the supervisor depends on.
package validator

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/mod/module"
)

// Result is the outcome of a single validation call. It is produced once and
// never mutated.
type Result struct {
	Valid  bool
	Errors []string
}

func invalid(errs []string) Result { return Result{Valid: len(errs) == 0, Errors: errs} }

// Config holds validator configuration.
type Config struct {
	// Enabled short-circuits all checks to Valid when false.
	Enabled bool
	// SyntaxCheck controls the parse gate.
	SyntaxCheck bool
	// ASTCheck controls the deny-list walk.
	ASTCheck bool
	// DenyCalls are call targets (identifier or dotted selector chain) that
	// must not appear in candidate code.
	DenyCalls []string
	// DenyImports are import path prefixes that must not appear.
	DenyImports []string
	// RequiredSymbols are top-level function names an evolution must preserve.
	RequiredSymbols []string
}

// DefaultConfig returns the default validator configuration. The deny-list
// targets process/filesystem escape hatches, dynamic loading, and
// introspection primitives; the required set names the entry points the
// supervisor calls into.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		SyntaxCheck: true,
		ASTCheck:    true,
		DenyCalls: []string{
			"exec.Command",
			"exec.CommandContext",
			"syscall.Exec",
			"syscall.ForkExec",
			"os.StartProcess",
			"os.RemoveAll",
			"os.Exit",
			"plugin.Open",
			"unsafe.Pointer",
			"reflect.ValueOf",
		},
		DenyImports: []string{
			"os/exec",
			"syscall",
			"unsafe",
			"plugin",
			"reflect",
			"runtime/debug",
			"net/rpc",
		},
		RequiredSymbols: []string{"Run", "Evolve"},
	}
}

// Validator checks candidate source text. It is a pure function of its inputs
// plus configuration; calls have no side effects and repeated calls on the
// same input return the same result.
type Validator struct {
	cfg         *Config
	denyCalls   map[string]struct{}
	denyImports []string
	required    []string
}

// New creates a validator from cfg, using defaults when cfg is nil.
func New(cfg *Config) *Validator {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	calls := make(map[string]struct{}, len(cfg.DenyCalls))
	for _, c := range cfg.DenyCalls {
		calls[c] = struct{}{}
	}

	return &Validator{
		cfg:         cfg,
		denyCalls:   calls,
		denyImports: cfg.DenyImports,
		required:    cfg.RequiredSymbols,
	}
}

// ValidateSyntax attempts to parse source. A parse failure yields exactly one
// error string containing the position reported by the parser.
func (v *Validator) ValidateSyntax(source string) Result {
	if !v.cfg.Enabled || !v.cfg.SyntaxCheck {
		return Result{Valid: true}
	}
	if _, err := v.parse(source); err != nil {
		return invalid([]string{fmt.Sprintf("syntax error: %v", err)})
	}
	return Result{Valid: true}
}

// ValidateSafety walks the tree of an already-parseable source and flags
// deny-listed calls and imports. It never panics: nodes it cannot interpret
// are skipped.
func (v *Validator) ValidateSafety(source string) Result {
	if !v.cfg.Enabled || !v.cfg.ASTCheck {
		return Result{Valid: true}
	}

	file, err := v.parse(source)
	if err != nil {
		// No tree to walk; surface as a single error the same way the
		// syntax check would.
		return invalid([]string{fmt.Sprintf("syntax error: %v", err)})
	}

	var errs []string

	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		if denied, match := v.importDenied(path); denied {
			errs = append(errs, fmt.Sprintf("forbidden import %q (matches %q)", path, match))
		}
		if err := module.CheckImportPath(path); err != nil {
			errs = append(errs, fmt.Sprintf("malformed import path %q: %v", path, err))
		}
	}

	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		name := callTarget(call.Fun)
		if name == "" {
			return true
		}
		if _, bad := v.denyCalls[name]; bad {
			errs = append(errs, fmt.Sprintf("forbidden call to %s", name))
		}
		return true
	})

	return invalid(errs)
}

// Validate runs the syntax check first and short-circuits on failure; there
// is no tree to walk for safety when the parse fails. Valid iff both checks
// pass with an empty error list.
func (v *Validator) Validate(source string) Result {
	if !v.cfg.Enabled {
		return Result{Valid: true}
	}

	if res := v.ValidateSyntax(source); !res.Valid {
		return res
	}
	return v.ValidateSafety(source)
}

// ValidateEvolution validates newSource and, when it passes, verifies that
// required top-level functions present in oldSource survive into newSource.
// A rewrite that deletes its own entry points is rejected.
func (v *Validator) ValidateEvolution(oldSource, newSource string) Result {
	res := v.Validate(newSource)
	if !res.Valid {
		return res
	}
	if !v.cfg.Enabled {
		return res
	}

	oldFile, err := v.parse(oldSource)
	if err != nil {
		// Old code no longer parses; nothing to diff against. The new code
		// already passed validation, so let it through.
		return res
	}
	newFile, err := v.parse(newSource)
	if err != nil {
		return invalid([]string{fmt.Sprintf("syntax error: %v", err)})
	}

	oldNames := topLevelFuncs(oldFile)
	newNames := topLevelFuncs(newFile)

	var removed []string
	for _, name := range v.required {
		if _, had := oldNames[name]; !had {
			continue
		}
		if _, has := newNames[name]; !has {
			removed = append(removed, name)
		}
	}

	errs := res.Errors
	if len(removed) > 0 {
		sort.Strings(removed)
		errs = append(errs, fmt.Sprintf("required functions removed: %s", strings.Join(removed, ", ")))
	}
	return invalid(errs)
}

func (v *Validator) parse(source string) (*ast.File, error) {
	fset := token.NewFileSet()
	return parser.ParseFile(fset, "candidate.go", source, parser.ParseComments)
}

func (v *Validator) importDenied(path string) (bool, string) {
	for _, deny := range v.denyImports {
		if path == deny || strings.HasPrefix(path, deny+"/") {
			return true, deny
		}
	}
	return false, ""
}

// callTarget resolves the textual target of a call: a bare identifier, or a
// dotted selector chain like "os.RemoveAll". Anything it cannot resolve
// (method values, closures, conversions through indexes) returns "".
func callTarget(fun ast.Expr) string {
	switch t := fun.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.SelectorExpr:
		base := callTarget(t.X)
		if base == "" {
			return ""
		}
		return base + "." + t.Sel.Name
	default:
		return ""
	}
}

// topLevelFuncs returns the names of non-method functions declared at the top
// level of file.
func topLevelFuncs(file *ast.File) map[string]struct{} {
	names := map[string]struct{}{}
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || fn.Name == nil {
			continue
		}
		names[fn.Name.Name] = struct{}{}
	}
	return names
}
