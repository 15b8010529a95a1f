package registry

import (
	"regexp"
	"strings"
	"testing"
)

func TestMaskKey(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "typical key",
			raw:  "sk-abcdef1234567890",
			want: "sk-a*********7890",
		},
		{
			name: "exactly nine chars",
			raw:  "123456789",
			want: "1234*6789",
		},
		{
			name: "exactly eight chars fully masked",
			raw:  "12345678",
			want: "********",
		},
		{
			name: "short key fully masked",
			raw:  "abc",
			want: "***",
		},
		{
			name: "empty",
			raw:  "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskKey(tt.raw); got != tt.want {
				t.Errorf("MaskKey(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestMaskKey_NeverRevealsMiddle(t *testing.T) {
	raw := "sk-verysecretmiddlepart-tail"
	masked := MaskKey(raw)
	if strings.Contains(masked, "secretmiddle") {
		t.Errorf("mask leaked middle of key: %q", masked)
	}
	if len([]rune(masked)) != len([]rune(raw)) {
		t.Errorf("mask changed length: %d != %d", len(masked), len(raw))
	}
}

func TestHashKey(t *testing.T) {
	hash := HashKey("sk-test")

	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(hash) {
		t.Errorf("hash %q is not lowercase 64-char hex", hash)
	}
	if HashKey("sk-test") != hash {
		t.Error("hash is not deterministic")
	}
	if HashKey("sk-test2") == hash {
		t.Error("distinct keys produced the same hash")
	}
}
