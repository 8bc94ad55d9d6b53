package sagaorch

import (
	"go/ast"
	"go/parser"
	"go/token"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// docComments returns the doc comment of every top level func and type
// declared in file, by name.
func docComments(t *testing.T, file string) map[string]*ast.CommentGroup {
	t.Helper()
	f, err := parser.ParseFile(token.NewFileSet(), file, nil, parser.ParseComments)
	require.NoError(t, err)

	docs := map[string]*ast.CommentGroup{}
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv == nil {
				docs[d.Name.Name] = d.Doc
			}
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				if ts, ok := spec.(*ast.TypeSpec); ok {
					doc := ts.Doc
					if doc == nil {
						doc = d.Doc
					}
					docs[ts.Name.Name] = doc
				}
			}
		}
	}
	return docs
}

func TestPublicConstructorsAreDocumented(t *testing.T) {
	want := map[string][]string{
		"options.go":                 {"WithLogger", "WithRetryPolicy", "WithClock"},
		"gateway.go":                 {"Success", "Failure", "Timeout", "NewLocalGateway"},
		"gateway/httpcall/client.go": {"Client"},
	}
	for file, names := range want {
		docs := docComments(t, file)
		for _, name := range names {
			doc, ok := docs[name]
			require.True(t, ok, "%s not declared in %s", name, file)
			if assert.NotNil(t, doc, "%s in %s has no doc comment", name, file) {
				assert.Regexp(t, "^"+name+" ", doc.Text(), "doc comment of %s", name)
			}
		}
	}
}
