package tools

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/tool/utils"

	"github.com/ushercli/usher/internal/policy"
)

type echoInput struct {
	Text  string  `json:"text" jsonschema:"required,description=Text to echo"`
	Count int     `json:"count" jsonschema:"description=Repeat count"`
	Loud  bool    `json:"loud" jsonschema:"description=Uppercase the output"`
	Scale float64 `json:"scale" jsonschema:"description=Unused scale factor"`
}

func newEchoDefinition(t *testing.T) Definition {
	t.Helper()
	impl := func(ctx context.Context, input *echoInput) (string, error) {
		out := input.Text
		if input.Loud {
			out = strings.ToUpper(out)
		}
		return out, nil
	}
	tl, err := utils.InferTool("echo", "Echo text back", impl)
	if err != nil {
		t.Fatalf("InferTool failed: %v", err)
	}
	return Definition{
		Tool:     tl,
		Category: policy.CategoryReadOnly,
		Params: map[string]Param{
			"text":  {Type: "string", Required: true},
			"count": {Type: "integer"},
			"loud":  {Type: "boolean"},
			"scale": {Type: "number"},
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newEchoDefinition(t)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	def, ok := reg.Get("echo")
	if !ok {
		t.Fatal("expected echo to be registered")
	}
	if def.Category != policy.CategoryReadOnly {
		t.Fatalf("expected category %q, got %q", policy.CategoryReadOnly, def.Category)
	}

	if err := reg.Register(newEchoDefinition(t)); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryNamesOrder(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newEchoDefinition(t)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	web, err := NewWebFetchTool()
	if err != nil {
		t.Fatalf("NewWebFetchTool failed: %v", err)
	}
	if err := reg.Register(web); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "echo" || names[1] != "web_fetch" {
		t.Fatalf("expected [echo web_fetch], got %v", names)
	}
}

func TestRegistryProfiles(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newEchoDefinition(t)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	profiles := reg.Profiles()
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}
	if profiles[0].Name != "echo" || profiles[0].Category != policy.CategoryReadOnly {
		t.Fatalf("unexpected profile: %+v", profiles[0])
	}
}

func TestRegistryValidate(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newEchoDefinition(t)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	cases := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{"valid minimal", `{"text":"hi"}`, false},
		{"valid full", `{"text":"hi","count":3,"loud":true,"scale":1.5}`, false},
		{"missing required", `{"count":3}`, true},
		{"wrong string type", `{"text":42}`, true},
		{"wrong bool type", `{"text":"hi","loud":"yes"}`, true},
		{"float for integer", `{"text":"hi","count":2.5}`, true},
		{"whole float for integer", `{"text":"hi","count":2.0}`, false},
		{"null optional ignored", `{"text":"hi","count":null}`, false},
		{"empty args with required", ``, true},
		{"not an object", `[1,2]`, true},
		{"malformed json", `{"text":`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := reg.Validate("echo", tc.args)
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestRegistryValidateUnknownTool(t *testing.T) {
	reg := NewRegistry()
	err := reg.Validate("nope", `{}`)
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestRegistryExecute(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newEchoDefinition(t)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	out, err := reg.Execute(context.Background(), "echo", `{"text":"hello","loud":true}`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(out, "HELLO") {
		t.Fatalf("expected uppercased output, got %q", out)
	}

	if _, err := reg.Execute(context.Background(), "missing", `{}`); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestRegistryResourceKey(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()

	write, err := NewWriteFileTool(dir)
	if err != nil {
		t.Fatalf("NewWriteFileTool failed: %v", err)
	}
	read, err := NewReadFileTool(dir)
	if err != nil {
		t.Fatalf("NewReadFileTool failed: %v", err)
	}
	exec, err := NewExecTool(5, true, dir)
	if err != nil {
		t.Fatalf("NewExecTool failed: %v", err)
	}
	for _, def := range []Definition{write, read, exec} {
		if err := reg.Register(def); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	path := filepath.Join(dir, "a.txt")
	key := reg.ResourceKeyFor("write_file", `{"path":"`+path+`","content":"x"}`)
	if key != path {
		t.Fatalf("expected resource key %q, got %q", path, key)
	}

	if key := reg.ResourceKeyFor("read_file", `{"path":"`+path+`"}`); key != "" {
		t.Fatalf("expected empty key for read-only tool, got %q", key)
	}

	if key := reg.ResourceKeyFor("exec", `{"command":"ls"}`); key != "shell" {
		t.Fatalf("expected shell key, got %q", key)
	}

	if key := reg.ResourceKeyFor("write_file", `not json`); key != "" {
		t.Fatalf("expected empty key for malformed args, got %q", key)
	}
}

func TestRegistryInfos(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newEchoDefinition(t)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	infos, err := reg.Infos(context.Background())
	if err != nil {
		t.Fatalf("Infos failed: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "echo" {
		t.Fatalf("unexpected infos: %+v", infos)
	}
}
