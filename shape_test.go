package iterflow

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
)

func TestShape_Fingerprint(t *testing.T) {
	fs := afero.NewMemMapFs()

	t.Run("Deterministic", func(t *testing.T) {
		a, err := NewShape().Stage("csv", ";").Stage("filter").Param("env", "test").Build().Fingerprint(fs, nil)
		if err != nil {
			t.Fatal(err)
		}
		b, err := NewShape().Stage("csv", ";").Stage("filter").Param("env", "test").Build().Fingerprint(fs, nil)
		if err != nil {
			t.Fatal(err)
		}
		if a != b {
			t.Fatalf("expected equal fingerprints, got %s and %s", a, b)
		}
		if len(a) != 16 {
			t.Fatalf("expected a 64-bit hex fingerprint, got %q", a)
		}
	})

	t.Run("Sensitive to stages, args and params", func(t *testing.T) {
		base := NewShape().Stage("csv", ";").Stage("filter").Build()
		variants := map[string]Shape{
			"extra stage":   NewShape().Stage("csv", ";").Stage("filter").Stage("map").Build(),
			"reordered":     NewShape().Stage("filter").Stage("csv", ";").Build(),
			"different arg": NewShape().Stage("csv", ",").Stage("filter").Build(),
			"with param":    NewShape().Stage("csv", ";").Stage("filter").Version("2").Build(),
		}

		want, err := base.Fingerprint(fs, nil)
		if err != nil {
			t.Fatal(err)
		}
		for name, shape := range variants {
			got, err := shape.Fingerprint(fs, nil)
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			if got == want {
				t.Fatalf("%s: expected a different fingerprint", name)
			}
		}
	})

	t.Run("Field boundaries are unambiguous", func(t *testing.T) {
		pairs := map[string][2]Shape{
			"split args": {
				NewShape().Stage("csv", "a,b").Build(),
				NewShape().Stage("csv", "a", "b").Build(),
			},
			"param key and value": {
				NewShape().Stage("csv").Param("ab", "c").Build(),
				NewShape().Stage("csv").Param("a", "bc").Build(),
			},
			"stage name and arg": {
				NewShape().Stage("csv(x)").Build(),
				NewShape().Stage("csv", "x").Build(),
			},
		}

		for name, pair := range pairs {
			a, err := pair[0].Fingerprint(fs, nil)
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			b, err := pair[1].Fingerprint(fs, nil)
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			if a == b {
				t.Fatalf("%s: expected different fingerprints, both are %s", name, a)
			}
		}
	})

	t.Run("File content is part of the fingerprint", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		afero.WriteFile(fs, "rules.yaml", []byte("v1"), 0o644)

		shape := NewShape().Stage("enrich").File("rules.yaml").Build()
		before, err := shape.Fingerprint(fs, nil)
		if err != nil {
			t.Fatal(err)
		}

		afero.WriteFile(fs, "rules.yaml", []byte("v2"), 0o644)
		after, err := shape.Fingerprint(fs, nil)
		if err != nil {
			t.Fatal(err)
		}

		if before == after {
			t.Fatal("expected fingerprint to change with file content")
		}
	})

	t.Run("Glob inputs", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		afero.WriteFile(fs, "schemas/a.json", []byte("{}"), 0o644)

		shape := NewShape().Stage("validate").Glob("schemas/**/*.json").Build()
		before, err := shape.Fingerprint(fs, nil)
		if err != nil {
			t.Fatal(err)
		}

		afero.WriteFile(fs, "schemas/nested/b.json", []byte("{}"), 0o644)
		after, err := shape.Fingerprint(fs, nil)
		if err != nil {
			t.Fatal(err)
		}

		if before == after {
			t.Fatal("expected fingerprint to change when a matching file is added")
		}
	})

	t.Run("Empty shape is rejected", func(t *testing.T) {
		_, err := NewShape().Version("1").Build().Fingerprint(fs, nil)
		assertConfigError(t, err, "empty shape")
		if !errors.Is(err, ErrEmptyShape) {
			t.Fatalf("expected ErrEmptyShape, got %v", err)
		}
	})

	t.Run("Builder errors are accumulated", func(t *testing.T) {
		_, err := NewShape().Stage("").Param("", "x").Glob("[").Build().Fingerprint(fs, nil)

		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("expected *ConfigError, got %v", err)
		}
		// Empty stage name, empty param key and invalid glob.
		if len(ce.Errors) != 3 {
			t.Fatalf("expected 3 errors, got %d: %v", len(ce.Errors), ce)
		}
	})

	t.Run("Missing file input", func(t *testing.T) {
		_, err := NewShape().Stage("x").File("missing.txt").Build().Fingerprint(fs, nil)
		if err == nil {
			t.Fatal("expected an error for a missing file")
		}
	})
}

func TestShape_String(t *testing.T) {
	shape := NewShape().Stage("csv", ";").Stage("filter").Build()
	if got := shape.String(); got != "csv(;) -> filter" {
		t.Fatalf("unexpected shape string %q", got)
	}
}
