package creds

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigSourceFromFile(t *testing.T) {
	t.Setenv("CLAUDE_PERSONAL_TOKEN", "")
	t.Setenv("CLAUDE_PERSONAL_REFRESH", "")

	path := filepath.Join(t.TempDir(), "tokens.env")
	content := "# personal account\n\nCLAUDE_PERSONAL_TOKEN=abc\nCLAUDE_PERSONAL_REFRESH=def\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	source := NewConfigSource(path)
	cred, ok := source.Lookup("personal")
	if !ok {
		t.Fatalf("Lookup(personal) = absent, want present")
	}
	if cred.AccessToken != "abc" || cred.RefreshToken != "def" {
		t.Fatalf("Lookup(personal) = %+v, want access=abc refresh=def", cred)
	}
}

func TestConfigSourceEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.env")
	content := "CLAUDE_WORK_TOKEN=file-token\nCLAUDE_WORK_REFRESH=file-refresh\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CLAUDE_WORK_TOKEN", "env-token")
	t.Setenv("CLAUDE_WORK_REFRESH", "env-refresh")

	source := NewConfigSource(path)
	cred, ok := source.Lookup("work")
	if !ok {
		t.Fatalf("Lookup(work) = absent, want present")
	}
	if cred.AccessToken != "env-token" {
		t.Fatalf("access = %s, want env-token", cred.AccessToken)
	}
}

func TestConfigSourcePartialIsAbsent(t *testing.T) {
	t.Setenv("CLAUDE_PERSONAL_TOKEN", "only-access")
	t.Setenv("CLAUDE_PERSONAL_REFRESH", "")

	source := NewConfigSource(filepath.Join(t.TempDir(), "missing.env"))
	if _, ok := source.Lookup("personal"); ok {
		t.Fatalf("Lookup(personal) = present, want absent for partial configuration")
	}
}

func TestConfigSourceValueAfterFirstEquals(t *testing.T) {
	t.Setenv("CLAUDE_PERSONAL_TOKEN", "")
	t.Setenv("CLAUDE_PERSONAL_REFRESH", "")

	path := filepath.Join(t.TempDir(), "tokens.env")
	content := "CLAUDE_PERSONAL_TOKEN= abc=def \nCLAUDE_PERSONAL_REFRESH=ghi\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	source := NewConfigSource(path)
	cred, ok := source.Lookup("personal")
	if !ok {
		t.Fatalf("Lookup(personal) = absent, want present")
	}
	if cred.AccessToken != "abc=def" {
		t.Fatalf("access = %q, want abc=def", cred.AccessToken)
	}
}

func TestConfigSourceMissingFileIsAbsent(t *testing.T) {
	t.Setenv("CLAUDE_PERSONAL_TOKEN", "")
	t.Setenv("CLAUDE_PERSONAL_REFRESH", "")

	source := NewConfigSource(filepath.Join(t.TempDir(), "does-not-exist.env"))
	if _, ok := source.Lookup("personal"); ok {
		t.Fatalf("Lookup(personal) = present, want absent")
	}
}
