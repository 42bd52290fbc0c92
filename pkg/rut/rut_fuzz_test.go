package rut

import "testing"

// FuzzValidate checks that normalization and validation never panic and stay
// consistent with each other for arbitrary input.
func FuzzValidate(f *testing.F) {
	f.Add("")
	f.Add("12.345.678-5")
	f.Add("12.345.670-k")
	f.Add("1234567")
	f.Add("'; DROP TABLE rut_index;--")
	f.Add(string([]byte{0xff, 0xfe, '1'}))

	f.Fuzz(func(t *testing.T, raw string) {
		n := Normalize(raw)
		if again := Normalize(n); again != n {
			t.Fatalf("Normalize not idempotent: %q -> %q -> %q", raw, n, again)
		}

		res := Validate(n)
		if res.OK() != IsValid(n) {
			t.Fatalf("Validate and IsValid disagree for %q", n)
		}
		if res.OK() && !IsWellFormed(n) {
			t.Fatalf("valid but not well-formed: %q", n)
		}
		if res.Status == InvalidFormat && res.Reason == "" {
			t.Fatalf("format rejection without reason: %q", n)
		}

		if body, dv, ok := Split(n); ok {
			if res.OK() != (CheckDigit(body) == dv) {
				t.Fatalf("check digit disagreement for %q", n)
			}
			if Normalize(Format(n)) != n {
				t.Fatalf("Format does not round-trip: %q", n)
			}
		}
	})
}
