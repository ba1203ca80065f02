package dnsprobe

import "testing"

func TestEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"dcv.digicert.com.", "dcv.digicert.com", true},
		{"dcv.digicert.com", "dcv.digicert.com", true},
		{"DCV.DigiCert.com.", "dcv.digicert.com", true},
		{"dcv.digicert.com.", "other.digicert.com", false},
		{"", "", true},
	}
	for _, tc := range cases {
		if got := Equal(tc.a, tc.b); got != tc.want {
			t.Errorf("Equal(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
