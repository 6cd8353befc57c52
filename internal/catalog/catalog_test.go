package catalog

import "testing"

func TestIsValid(t *testing.T) {
	cases := map[string]bool{
		"python": true, "typescript": true, "rust": true,
		"go": false, "": false, "Python": false,
	}
	for lang, want := range cases {
		if got := IsValid(lang); got != want {
			t.Errorf("IsValid(%q) = %v, want %v", lang, got, want)
		}
	}
}

func TestSupported(t *testing.T) {
	got := Supported()
	want := []string{"python", "typescript", "rust"}
	if len(got) != len(want) {
		t.Fatalf("expected %d languages, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRunCommand_UnknownLanguage(t *testing.T) {
	if cmd := RunCommand("cobol"); cmd != nil {
		t.Fatalf("expected nil run command for unknown language, got %v", cmd)
	}
}

func TestCompileCommand_OnlyRustCompiles(t *testing.T) {
	if CompileCommand("python") != nil {
		t.Fatalf("python should not need a compile step")
	}
	if cmd := CompileCommand("rust"); cmd == nil {
		t.Fatalf("expected a compile command for rust")
	}
}

func TestRunCommand_ReturnsIndependentCopy(t *testing.T) {
	cmd := RunCommand("python")
	cmd[0] = "mutated"
	if RunCommand("python")[0] == "mutated" {
		t.Fatalf("RunCommand should return a fresh copy each call")
	}
}
