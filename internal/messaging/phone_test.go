package messaging

import "testing"

func TestNormalizeNumber(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"5511999999999", "5511999999999"},
		{"11999999999", "5511999999999"},
		{"1199999999", "551199999999"},
		{"+55 (11) 99999-9999", "5511999999999"},
		{"(11) 99999-9999", "5511999999999"},
		{"123", "123"},
		{"", ""},
		{"abc", ""},
	}
	for _, tc := range cases {
		if got := NormalizeNumber(tc.in); got != tc.want {
			t.Errorf("NormalizeNumber(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNumberFromJID(t *testing.T) {
	if got := NumberFromJID("5511999999999@s.whatsapp.net"); got != "5511999999999" {
		t.Fatalf("got %q", got)
	}
	if got := NumberFromJID("5511999999999"); got != "5511999999999" {
		t.Fatalf("bare number must pass through, got %q", got)
	}
}

func TestJIDFromNumber(t *testing.T) {
	if got := JIDFromNumber("11 99999-9999"); got != "5511999999999@s.whatsapp.net" {
		t.Fatalf("got %q", got)
	}
	if got := JIDFromNumber(""); got != "" {
		t.Fatalf("empty number must yield empty JID, got %q", got)
	}
}

func TestIsGroupJID(t *testing.T) {
	if !IsGroupJID("1203630239@g.us") {
		t.Fatal("group JID not detected")
	}
	if IsGroupJID("5511999999999@s.whatsapp.net") {
		t.Fatal("individual JID misdetected as group")
	}
}
