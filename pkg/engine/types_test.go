package engine

import (
	"context"
	"encoding/json"
	"testing"
)

func TestTypeDescriptor_AssignableFrom(t *testing.T) {
	order := Derive(Map, "order")

	tests := []struct {
		name   string
		target TypeDescriptor
		source TypeDescriptor
		want   bool
	}{
		{"same type", String, String, true},
		{"any accepts string", Any, String, true},
		{"any accepts nested", Any, Int, true},
		{"number accepts int", Number, Int, true},
		{"int rejects number", Int, Number, false},
		{"string rejects int", String, Int, false},
		{"map accepts derived", Map, order, true},
		{"derived rejects parent", order, Map, false},
		{"zero value is any", TypeDescriptor{}, Float, true},
		{"prefix is not ancestry", Derive(Any, "str"), String, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.target.AssignableFrom(tt.source); got != tt.want {
				t.Errorf("%s.AssignableFrom(%s) = %v, want %v", tt.target, tt.source, got, tt.want)
			}
		})
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    TypeDescriptor
		wantErr bool
	}{
		{in: "int", want: Int},
		{in: " String ", want: String},
		{in: "", want: Any},
		{in: "any/number/int", want: Int},
		{in: "any/map/order", want: Derive(Map, "order")},
		{in: "order", wantErr: true},
		{in: "any//x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseType(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseType(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestTypeDescriptor_JSON(t *testing.T) {
	in := struct {
		T TypeDescriptor `json:"t"`
	}{T: Float}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"t":"any/number/float"}` {
		t.Errorf("unexpected json %s", data)
	}

	var out struct {
		T TypeDescriptor `json:"t"`
	}
	if err := json.Unmarshal([]byte(`{"t":"float"}`), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.T != Float {
		t.Errorf("expected float, got %s", out.T)
	}
}

func TestSignature_StructuralEquality(t *testing.T) {
	a := NewSignature("double", Int, Int)
	b := NewSignature("double", MustParseType("int"), MustParseType("any/number/int"))
	c := NewSignature("double", Int, Number)

	if a != b {
		t.Errorf("expected %s == %s", a, b)
	}
	if a == c {
		t.Errorf("expected %s != %s", a, c)
	}

	cache := map[Signature]int{a: 1}
	if cache[b] != 1 {
		t.Error("equal signatures should hit the same map entry")
	}
	if _, ok := cache[c]; ok {
		t.Error("distinct signature should miss")
	}

	if a.Key() != b.Key() || a.Key() == c.Key() {
		t.Errorf("keys should follow equality: %s %s %s", a.Key(), b.Key(), c.Key())
	}
}

func TestSignature_KeyIsUnambiguous(t *testing.T) {
	a := NewSignature(`a|any`, Any, Any)
	b := NewSignature(`a`, Any, Any)
	if a.Key() == b.Key() {
		t.Errorf("keys collide: %s", a.Key())
	}
}

func TestFunc(t *testing.T) {
	exe := Func(Int, String, func(_ context.Context, payload any) (any, error) {
		return "ok", nil
	})

	if exe.InputType() != Int || exe.OutputType() != String {
		t.Errorf("unexpected declared types %s -> %s", exe.InputType(), exe.OutputType())
	}
	out, err := exe.Invoke(context.Background(), nil)
	if err != nil || out != "ok" {
		t.Errorf("Invoke() = %v, %v", out, err)
	}
}
