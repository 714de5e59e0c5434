// Package verify statically checks submitted code against a restriction
// policy before it reaches the interpreter. It reports disallowed imports,
// function calls, assignments, and attribute or subscript patterns that
// could be used to escape the restriction lists.
package verify

import (
	"fmt"
	"strings"

	"go.starlark.net/syntax"
)

// dangerousNames are blocked regardless of the configured lists. They are
// the reflection entry points that make any allow/block list bypassable.
var dangerousNames = map[string]bool{
	"getattr":          true,
	"setattr":          true,
	"delattr":          true,
	"vars":             true,
	"globals":          true,
	"locals":           true,
	"__getattribute__": true,
	"__setattr__":      true,
	"__delattr__":      true,
	"__dict__":         true,
	"__class__":        true,
	"__bases__":        true,
	"__subclasses__":   true,
	"__mro__":          true,
	"__builtins__":     true,
}

// Policy configures what the verifier permits. For modules and functions,
// at most one of the allow/block lists may be set; configuring both on the
// same axis is a programming error and fails at construction.
//
// A non-nil empty allow list permits nothing on that axis.
type Policy struct {
	AllowedModules   []string
	BlockedModules   []string
	AllowedFunctions []string
	BlockedFunctions []string
	AllowedVariables []string
}

// Violation is one rule breach, carrying the offending line.
type Violation struct {
	Line    int
	Text    string
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("Error on line %d: %s => %s", v.Line, strings.TrimSpace(v.Text), v.Message)
}

// Verifier checks code blocks against a fixed policy.
type Verifier struct {
	allowedModules   map[string]bool // nil means no allow list
	blockedModules   map[string]bool
	allowedFunctions map[string]bool
	blockedFunctions map[string]bool
	allowedVariables map[string]bool
}

// New builds a Verifier from a policy. It returns an error if both the
// allow and block list are set for the same axis.
func New(p Policy) (*Verifier, error) {
	if p.AllowedModules != nil && p.BlockedModules != nil {
		return nil, fmt.Errorf("verify: allowed_modules and blocked_modules are mutually exclusive")
	}
	if p.AllowedFunctions != nil && p.BlockedFunctions != nil {
		return nil, fmt.Errorf("verify: allowed_functions and blocked_functions are mutually exclusive")
	}
	return &Verifier{
		allowedModules:   toSet(p.AllowedModules),
		blockedModules:   toSet(p.BlockedModules),
		allowedFunctions: toSet(p.AllowedFunctions),
		blockedFunctions: toSet(p.BlockedFunctions),
		allowedVariables: toSet(p.AllowedVariables),
	}, nil
}

// toSet keeps the nil/non-nil distinction: a nil slice means the list is
// not configured, an empty slice means configured and empty.
func toSet(names []string) map[string]bool {
	if names == nil {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Verify checks a code block and returns all violations found. An empty
// result means the code passed.
func (v *Verifier) Verify(code string) []Violation {
	src := Preprocess(code)
	return v.VerifySource(src)
}

// VerifySource checks an already preprocessed block. Callers that also
// need the import/magic split (the kernel host) use this to avoid
// preprocessing twice.
func (v *Verifier) VerifySource(src *Source) []Violation {
	var out []Violation

	for _, imp := range src.Imports {
		if msg := v.checkModule(imp.Root); msg != "" {
			out = append(out, violationAt(src, imp.Num, msg))
		}
	}
	for _, magic := range src.Magics {
		if !magic.Install {
			out = append(out, violationAt(src, magic.Num,
				"Magic commands except package install are not allowed."))
		}
	}

	opts := &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
	f, err := opts.Parse("<code>", src.Code, 0)
	if err != nil {
		return append(out, Violation{Line: 1, Text: firstLine(src), Message: fmt.Sprintf("Syntax error: %v", err)})
	}

	for _, stmt := range f.Stmts {
		syntax.Walk(stmt, func(n syntax.Node) bool {
			switch node := n.(type) {
			case *syntax.CallExpr:
				out = append(out, v.checkCall(src, node)...)
			case *syntax.DotExpr:
				if dangerousNames[node.Name.Name] {
					out = append(out, violationAt(src, nodeLine(node),
						fmt.Sprintf("Attribute access to '%s' is blocked for security reasons.", node.Name.Name)))
				}
			case *syntax.IndexExpr:
				if key, ok := stringLiteral(node.Y); ok {
					if dangerousNames[key] || strings.HasPrefix(key, "__") {
						out = append(out, violationAt(src, nodeLine(node),
							fmt.Sprintf("Subscript access to '%s' is blocked for security reasons.", key)))
					}
				}
			case *syntax.AssignStmt:
				out = append(out, v.checkAssign(src, node)...)
			case *syntax.LoadStmt:
				if mod, ok := node.Module.Value.(string); ok {
					if msg := v.checkModule(rootPackage(mod)); msg != "" {
						out = append(out, violationAt(src, nodeLine(node), msg))
					}
				}
			}
			return true
		})
	}
	return out
}

// checkModule returns a violation message when the root package is not
// permitted, or "" when it is.
func (v *Verifier) checkModule(root string) string {
	if v.allowedModules != nil && !v.allowedModules[root] {
		return fmt.Sprintf("Importing module '%s' is not allowed.", root)
	}
	if v.blockedModules != nil && v.blockedModules[root] {
		return fmt.Sprintf("Importing module '%s' is not allowed.", root)
	}
	return ""
}

// checkCall names the callee and applies the function policy. Subscript
// callees cannot be named statically and are rejected outright; calls
// whose callee is itself a call are covered by the walk over the inner
// call, so only the shape is examined here.
func (v *Verifier) checkCall(src *Source, call *syntax.CallExpr) []Violation {
	line := nodeLine(call)
	var name string
	switch fn := call.Fn.(type) {
	case *syntax.Ident:
		name = fn.Name
	case *syntax.DotExpr:
		name = fn.Name.Name
	case *syntax.IndexExpr:
		return []Violation{violationAt(src, line,
			"Subscript-based function calls are not allowed for security reasons.")}
	case *syntax.CallExpr, *syntax.LambdaExpr, *syntax.ParenExpr:
		return nil
	default:
		return []Violation{violationAt(src, line,
			"Unrecognized function call pattern is not allowed for security reasons.")}
	}

	if dangerousNames[name] {
		return []Violation{violationAt(src, line,
			fmt.Sprintf("Function '%s' is blocked as it can be used to bypass security checks.", name))}
	}
	if v.allowedFunctions != nil && !v.allowedFunctions[name] {
		return []Violation{violationAt(src, line,
			fmt.Sprintf("Function '%s' is not allowed.", name))}
	}
	if v.blockedFunctions != nil && v.blockedFunctions[name] {
		return []Violation{violationAt(src, line,
			fmt.Sprintf("Function '%s' is not allowed.", name))}
	}
	return nil
}

// checkAssign enforces the allowed_variables list over every name bound
// by an assignment.
func (v *Verifier) checkAssign(src *Source, assign *syntax.AssignStmt) []Violation {
	if v.allowedVariables == nil {
		return nil
	}
	var out []Violation
	for _, name := range targetNames(assign.LHS) {
		if !v.allowedVariables[name] {
			out = append(out, violationAt(src, nodeLine(assign),
				fmt.Sprintf("Assigning to %s is not allowed.", name)))
		}
	}
	return out
}

// targetNames flattens an assignment target into the plain names it binds.
// Attribute and subscript targets mutate existing values rather than bind
// names and are covered by the attribute/subscript rules.
func targetNames(expr syntax.Expr) []string {
	switch t := expr.(type) {
	case *syntax.Ident:
		return []string{t.Name}
	case *syntax.TupleExpr:
		var names []string
		for _, e := range t.List {
			names = append(names, targetNames(e)...)
		}
		return names
	case *syntax.ListExpr:
		var names []string
		for _, e := range t.List {
			names = append(names, targetNames(e)...)
		}
		return names
	case *syntax.ParenExpr:
		return targetNames(t.X)
	default:
		return nil
	}
}

func stringLiteral(expr syntax.Expr) (string, bool) {
	lit, ok := expr.(*syntax.Literal)
	if !ok || lit.Token != syntax.STRING {
		return "", false
	}
	s, ok := lit.Value.(string)
	return s, ok
}

func nodeLine(n syntax.Node) int {
	start, _ := n.Span()
	return int(start.Line)
}

func violationAt(src *Source, line int, msg string) Violation {
	text := ""
	if line >= 1 && line <= len(src.Lines) {
		text = src.Lines[line-1]
	}
	return Violation{Line: line, Text: text, Message: msg}
}

func firstLine(src *Source) string {
	if len(src.Lines) > 0 {
		return src.Lines[0]
	}
	return ""
}
