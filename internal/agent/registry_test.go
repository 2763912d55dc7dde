package agent

import (
	"strings"
	"testing"
)

func TestRegistryTruncatesOverlongNames(t *testing.T) {
	long := strings.Repeat("x", MaxToolNameLength+20)
	tool := newMockTool(long)
	registry := NewToolRegistry()
	registry.Register(tool, RegisterOptions{})

	decls := registry.FunctionDeclarations()
	if len(decls) != 1 {
		t.Fatalf("declarations = %d, want 1", len(decls))
	}
	if len(decls[0].Name) != MaxToolNameLength {
		t.Errorf("declared name length = %d, want %d", len(decls[0].Name), MaxToolNameLength)
	}
	// The name the model sees must resolve back to the tool.
	if _, ok := registry.Get(decls[0].Name); !ok {
		t.Fatal("declared name does not resolve in the registry")
	}
	if _, ok := registry.Get(long); ok {
		t.Error("untruncated name should not resolve")
	}
}

func TestRegistryUnregister(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(newMockTool("grep"), RegisterOptions{})
	if _, ok := registry.Get("grep"); !ok {
		t.Fatal("tool not registered")
	}
	registry.Unregister("grep")
	if _, ok := registry.Get("grep"); ok {
		t.Error("tool still resolves after unregister")
	}
	if decls := registry.FunctionDeclarations(); len(decls) != 0 {
		t.Errorf("declarations = %d, want 0", len(decls))
	}
}
