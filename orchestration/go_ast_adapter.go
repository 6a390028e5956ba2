package orchestration

import (
	"go/ast"
	"go/parser"
	"go/token"
)

// GoASTAdapter implements ASTAdapter over Go source using the standard
// library's go/parser and go/ast — the natural parser for this
// language, with no ecosystem library in the corpus offering a
// multi-language AST facade that would also cover Go. Decorators have
// no Go equivalent; HasDecorator always returns false rather than
// approximating one.
type GoASTAdapter struct{}

func (a *GoASTAdapter) parse(file string) (*ast.File, error) {
	fset := token.NewFileSet()
	return parser.ParseFile(fset, file, nil, parser.AllErrors)
}

// HasFunction reports whether file declares a top-level func named name
// (receiver-less; methods are matched via HasMethod instead).
func (a *GoASTAdapter) HasFunction(file, name string) (bool, error) {
	f, err := a.parse(file)
	if err != nil {
		return false, err
	}
	found := false
	ast.Inspect(f, func(n ast.Node) bool {
		fn, ok := n.(*ast.FuncDecl)
		if ok && fn.Recv == nil && fn.Name.Name == name {
			found = true
			return false
		}
		return true
	})
	return found, nil
}

// HasClass maps to a Go type declaration (struct or interface), since Go
// has no class keyword.
func (a *GoASTAdapter) HasClass(file, name string) (bool, error) {
	f, err := a.parse(file)
	if err != nil {
		return false, err
	}
	found := false
	ast.Inspect(f, func(n ast.Node) bool {
		ts, ok := n.(*ast.TypeSpec)
		if ok && ts.Name.Name == name {
			found = true
			return false
		}
		return true
	})
	return found, nil
}

// HasExport reports whether file declares an exported (capitalized)
// identifier — function, type, const, or var — named name.
func (a *GoASTAdapter) HasExport(file, name string) (bool, error) {
	f, err := a.parse(file)
	if err != nil {
		return false, err
	}
	if !ast.IsExported(name) {
		return false, nil
	}
	found := false
	ast.Inspect(f, func(n ast.Node) bool {
		switch decl := n.(type) {
		case *ast.FuncDecl:
			if decl.Recv == nil && decl.Name.Name == name {
				found = true
				return false
			}
		case *ast.TypeSpec:
			if decl.Name.Name == name {
				found = true
				return false
			}
		case *ast.ValueSpec:
			for _, id := range decl.Names {
				if id.Name == name {
					found = true
					return false
				}
			}
		}
		return true
	})
	return found, nil
}

// HasMethod reports whether file declares a method named methodName with
// receiver type className (value or pointer receiver).
func (a *GoASTAdapter) HasMethod(file, className, methodName string) (bool, error) {
	f, err := a.parse(file)
	if err != nil {
		return false, err
	}
	found := false
	ast.Inspect(f, func(n ast.Node) bool {
		fn, ok := n.(*ast.FuncDecl)
		if !ok || fn.Recv == nil || len(fn.Recv.List) == 0 || fn.Name.Name != methodName {
			return true
		}
		if receiverTypeName(fn.Recv.List[0].Type) == className {
			found = true
			return false
		}
		return true
	})
	return found, nil
}

func receiverTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverTypeName(t.X)
	case *ast.Ident:
		return t.Name
	default:
		return ""
	}
}

// HasDecorator has no Go equivalent (Go has no annotation/decorator
// syntax); always false.
func (a *GoASTAdapter) HasDecorator(file, name string) (bool, error) {
	return false, nil
}
