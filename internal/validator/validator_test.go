package validator

import (
	"strings"
	"testing"
)

const benignSource = `package evolved

import "fmt"

// Run executes one generation.
func Run() string {
	return fmt.Sprintf("generation %d", Evolve())
}

// Evolve advances the generation counter.
func Evolve() int {
	return 1
}
`

const unsafeCallSource = `package evolved

import "os/exec"

func Run() error {
	return exec.Command("rm", "-rf", "/").Run()
}
`

func TestValidateAcceptsBenignCode(t *testing.T) {
	v := New(nil)
	res := v.Validate(benignSource)
	if !res.Valid {
		t.Fatalf("benign code rejected: %v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Errorf("expected empty error list, got %v", res.Errors)
	}
}

func TestValidateRejectsSyntaxError(t *testing.T) {
	v := New(nil)
	res := v.Validate("package evolved\n\nfunc Run( {")
	if res.Valid {
		t.Fatal("expected invalid result for broken syntax")
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected exactly one error, got %v", res.Errors)
	}
	if !strings.Contains(res.Errors[0], "syntax error") {
		t.Errorf("error should mention syntax: %q", res.Errors[0])
	}
}

func TestValidateRejectsDenyListedConstructs(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		mention string
	}{
		{
			name:    "exec.Command call",
			source:  unsafeCallSource,
			mention: "exec.Command",
		},
		{
			name: "os/exec import",
			source: `package evolved
import _ "os/exec"
func Run() {}
`,
			mention: "os/exec",
		},
		{
			name: "syscall import",
			source: `package evolved
import "syscall"
func Run() { _ = syscall.Getpid() }
`,
			mention: "syscall",
		},
		{
			name: "unsafe pointer conversion",
			source: `package evolved
import "unsafe"
func Run() uintptr {
	x := 1
	return uintptr(unsafe.Pointer(&x))
}
`,
			mention: "unsafe",
		},
		{
			name: "os.RemoveAll call",
			source: `package evolved
import "os"
func Run() { _ = os.RemoveAll("data") }
`,
			mention: "os.RemoveAll",
		},
		{
			name: "reflect import",
			source: `package evolved
import "reflect"
func Run() string { return reflect.TypeOf(1).String() }
`,
			mention: "reflect",
		},
	}

	v := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(tt.source)
			if res.Valid {
				t.Fatal("expected invalid result")
			}
			found := false
			for _, e := range res.Errors {
				if strings.Contains(e, tt.mention) {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("no error names %q: %v", tt.mention, res.Errors)
			}
		})
	}
}

func TestValidateDeterministic(t *testing.T) {
	v := New(nil)
	first := v.Validate(unsafeCallSource)
	for i := 0; i < 5; i++ {
		res := v.Validate(unsafeCallSource)
		if res.Valid != first.Valid || len(res.Errors) != len(first.Errors) {
			t.Fatalf("result changed between calls: %v vs %v", first, res)
		}
		for j := range res.Errors {
			if res.Errors[j] != first.Errors[j] {
				t.Fatalf("error %d changed between calls: %q vs %q", j, first.Errors[j], res.Errors[j])
			}
		}
	}
}

func TestValidateEvolutionRequiredSymbolGuard(t *testing.T) {
	newWithoutEvolve := `package evolved

func Run() string { return "still here" }
`

	v := New(nil)
	res := v.ValidateEvolution(benignSource, newWithoutEvolve)
	if res.Valid {
		t.Fatal("expected invalid result when Evolve is removed")
	}
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, "Evolve") {
			found = true
		}
	}
	if !found {
		t.Errorf("error should mention the removed symbol: %v", res.Errors)
	}
}

func TestValidateEvolutionAcceptsPreservedSymbols(t *testing.T) {
	evolved := benignSource + "\n// generation 2\n"

	v := New(nil)
	res := v.ValidateEvolution(benignSource, evolved)
	if !res.Valid {
		t.Fatalf("evolution with preserved symbols rejected: %v", res.Errors)
	}
}

func TestValidateEvolutionIgnoresSymbolsNeverPresent(t *testing.T) {
	// Old code never defined Evolve; its absence in the new code is fine.
	old := `package evolved

func Run() {}
`
	candidate := old + "\n// generation 2\n"

	v := New(nil)
	if res := v.ValidateEvolution(old, candidate); !res.Valid {
		t.Fatalf("unexpected rejection: %v", res.Errors)
	}
}

func TestValidateEvolutionShortCircuitsOnInvalidNewCode(t *testing.T) {
	v := New(nil)
	res := v.ValidateEvolution(benignSource, "package evolved\nfunc Run( {")
	if res.Valid {
		t.Fatal("expected invalid result")
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "syntax error") {
		t.Errorf("expected single syntax error, got %v", res.Errors)
	}
}

func TestCustomDenyList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DenyCalls = append(cfg.DenyCalls, "fmt.Println")

	v := New(cfg)
	res := v.Validate(`package evolved
import "fmt"
func Run() { fmt.Println("hi") }
`)
	if res.Valid {
		t.Fatal("expected custom deny-list entry to reject fmt.Println")
	}
}

func TestDisabledValidatorPassesEverything(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	v := New(cfg)
	if res := v.Validate("not even go code"); !res.Valid {
		t.Errorf("disabled validator must pass, got %v", res.Errors)
	}
}

func TestMetrics(t *testing.T) {
	v := New(nil)
	m := v.Metrics(benignSource)
	if m.Functions != 2 {
		t.Errorf("Functions = %d, want 2", m.Functions)
	}
	if m.Imports != 1 {
		t.Errorf("Imports = %d, want 1", m.Imports)
	}
	if m.Lines == 0 {
		t.Error("Lines should be non-zero")
	}
}
