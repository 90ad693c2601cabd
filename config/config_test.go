package config_test

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirikata/spaced/config"
)

func TestDefaultValidatesWithJWTSecretAndNoLayout(t *testing.T) {
	c := config.Default()
	c.JWTSecret = "s"
	if err := c.Validate(); err != nil {
		t.Fatalf("Default(): %v", err)
	}
}

func TestValidateRejectsZeroSelf(t *testing.T) {
	c := config.Default()
	c.JWTSecret = "s"
	c.Self = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for zero self id")
	}
}

func TestValidateRequiresSelfInNonEmptyLayout(t *testing.T) {
	c := config.Default()
	c.JWTSecret = "s"
	c.Self = 99
	c.Layout = []config.ServerAddr{{ID: 1, Host: "a", Port: 1}, {ID: 2, Host: "b", Port: 2}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error when self is absent from layout")
	}
}

func TestValidateRejectsDuplicateLayoutID(t *testing.T) {
	c := config.Default()
	c.JWTSecret = "s"
	c.Layout = []config.ServerAddr{{ID: 1, Host: "a", Port: 1}, {ID: 1, Host: "b", Port: 2}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for duplicate layout id")
	}
}

func TestLoadRoundTripsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spaced.json")
	if err := os.WriteFile(path, []byte(`{"self": 7, "jwt_secret": "x"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Self != 7 {
		t.Fatalf("expected self=7, got %d", c.Self)
	}
	if c.OSeg.Prefix != "oseg:" {
		t.Fatalf("expected default oseg prefix to survive partial override, got %q", c.OSeg.Prefix)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestApplyEnvOverridesSelf(t *testing.T) {
	c := config.Default()
	t.Setenv("SPACED_SELF", "42")
	if err := c.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if c.Self != 42 {
		t.Fatalf("expected self=42 after env override, got %d", c.Self)
	}
}

func TestFlagsApplyOverridesLayout(t *testing.T) {
	c := config.Default()
	c.JWTSecret = "s"
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var f config.Flags
	f.Register(fs)
	if err := fs.Parse([]string{"-layout", "1=host1:7000,2=host2:7000", "-self", "1"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := f.Apply(fs, c); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(c.Layout) != 2 || c.Layout[0].Host != "host1" || c.Layout[1].Port != 7000 {
		t.Fatalf("unexpected layout after Apply: %+v", c.Layout)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
