package vm

import (
	"testing"
)

func TestValueIntRoundTrip(t *testing.T) {
	cases := []int64{0, 1, -1, 42, -42, 1 << 30, -(1 << 30), (1 << 61) - 1, -(1 << 61)}
	for _, want := range cases {
		v := FromInt(want)
		if !v.IsInt() {
			t.Errorf("FromInt(%d).IsInt() = false", want)
		}
		if v.IsBoxed() {
			t.Errorf("FromInt(%d).IsBoxed() = true", want)
		}
		if got := v.AsInt(); got != want {
			t.Errorf("AsInt() = %d, want %d", got, want)
		}
	}
}

func TestValueBool(t *testing.T) {
	if FromBool(true).AsInt() != 1 {
		t.Error("FromBool(true) is not the integer 1")
	}
	if FromBool(false).AsInt() != 0 {
		t.Error("FromBool(false) is not the integer 0")
	}
}

func TestValueRefRoundTrip(t *testing.T) {
	v := FromRef(Handle(17))
	if v.IsInt() {
		t.Error("FromRef(17).IsInt() = true")
	}
	if got := v.AsRef(); got != 17 {
		t.Errorf("AsRef() = %d, want 17", got)
	}
}

func TestValueUnitIsZeroInt(t *testing.T) {
	if !UnitValue.IsInt() || UnitValue.AsInt() != 0 {
		t.Errorf("UnitValue = %v, want boxed 0", UnitValue)
	}
}

func TestRuntimeStringify(t *testing.T) {
	rt := NewRuntime(0)
	rt.SetStrtab([]byte("Cons\x00Nil\x00"))

	nilSexp := rt.AllocSexp(5, 0)
	cons := rt.AllocSexp(0, 2)
	rt.SetField(cons, 0, FromInt(1))
	rt.SetField(cons, 1, nilSexp)

	cases := []struct {
		v    Value
		want string
	}{
		{FromInt(-7), "-7"},
		{rt.AllocString([]byte("hi")), `"hi"`},
		{nilSexp, "Nil"},
		{cons, "Cons (1, Nil)"},
		{rt.AllocClosure(0), "<function>"},
	}
	for _, tc := range cases {
		got, err := rt.Stringify(tc.v)
		if err != nil {
			t.Errorf("Stringify() = %v, want nil", err)
			continue
		}
		if got != tc.want {
			t.Errorf("Stringify() = %q, want %q", got, tc.want)
		}
	}

	arr := rt.AllocArray(2)
	rt.SetField(arr, 0, FromInt(3))
	rt.SetField(arr, 1, FromInt(4))
	if got, _ := rt.Stringify(arr); got != "[3, 4]" {
		t.Errorf("Stringify(array) = %q, want %q", got, "[3, 4]")
	}
}

func TestRuntimeStringifyCyclic(t *testing.T) {
	rt := NewRuntime(0)
	rt.SetStrtab([]byte("Loop\x00"))

	a := rt.AllocSexp(0, 1)
	rt.SetField(a, 0, a)

	if _, err := rt.Stringify(a); err == nil {
		t.Error("Stringify on cyclic data did not fail")
	}
}

func TestRuntimeAggregates(t *testing.T) {
	rt := NewRuntime(0)

	s := rt.AllocString([]byte("abc"))
	arr := rt.AllocArray(2)
	sexp := rt.AllocSexp(0, 1)
	clos := rt.AllocClosure(1)

	for _, v := range []Value{s, arr, sexp} {
		if !rt.IsAggregate(v) {
			t.Errorf("%s not recognized as an aggregate", rt.TypeName(v))
		}
	}
	if rt.IsAggregate(clos) {
		t.Error("closures must not be aggregates")
	}
	if rt.IsAggregate(FromInt(1)) {
		t.Error("integers must not be aggregates")
	}

	if rt.Len(s) != 3 {
		t.Errorf("Len(string) = %d, want 3", rt.Len(s))
	}
	if rt.Len(arr) != 2 {
		t.Errorf("Len(array) = %d, want 2", rt.Len(arr))
	}
	if rt.Len(clos) != 2 {
		t.Errorf("Len(closure) = %d, want 2 (code slot + capture)", rt.Len(clos))
	}
}
