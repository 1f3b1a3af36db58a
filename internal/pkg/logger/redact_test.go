package logger

import "testing"

func TestMaskEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"john.doe@example.com", "joh***@example.com"},
		{"abc@example.com", "a***@example.com"},
		{"ab@example.com", "a***@example.com"},
		{"a@example.com", "a***@example.com"},
		{"not-an-email", "***@***"},
		{"@example.com", "***@***"},
	}
	for _, tt := range tests {
		if got := MaskEmail(tt.in); got != tt.want {
			t.Errorf("MaskEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskEmailDomainOnly(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"john.doe@example.com", "***@example.com"},
		{"a@b.co", "***@b.co"},
		{"garbage", "***@***"},
	}
	for _, tt := range tests {
		if got := MaskEmailDomainOnly(tt.in); got != tt.want {
			t.Errorf("MaskEmailDomainOnly(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactText(t *testing.T) {
	in := "delivery to alice@example.com and bob@corp.example.jp failed"
	want := "delivery to ***@example.com and ***@corp.example.jp failed"
	if got := RedactText(in); got != want {
		t.Errorf("RedactText = %q, want %q", got, want)
	}
}

func TestRedactPIIValueByKey(t *testing.T) {
	if got := redactPIIValue("recipient", "alice@example.com"); got != "***@example.com" {
		t.Errorf("recipient field not masked: %q", got)
	}
	if got := redactPIIValue("subject", "quote request"); got != "quote request" {
		t.Errorf("non-PII value altered: %q", got)
	}
}
