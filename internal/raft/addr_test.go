package raft

import "testing"

func TestParseNodeAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    NodeAddr
		wantErr bool
	}{
		{"localhost:7000", NodeAddr{Host: "localhost", Port: 7000}, false},
		{"10.0.0.1:1", NodeAddr{Host: "10.0.0.1", Port: 1}, false},
		{"[::1]:7000", NodeAddr{Host: "::1", Port: 7000}, false},
		{"localhost", NodeAddr{}, true},
		{"localhost:0", NodeAddr{}, true},
		{"localhost:notaport", NodeAddr{}, true},
		{"localhost:99999", NodeAddr{}, true},
		{":7000", NodeAddr{}, true},
	}

	for _, tt := range tests {
		got, err := ParseNodeAddr(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseNodeAddr(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseNodeAddr(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseNodeAddr(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestNodeAddrString(t *testing.T) {
	a := NodeAddr{Host: "::1", Port: 7000}
	if a.String() != "[::1]:7000" {
		t.Errorf("String() = %q", a.String())
	}
}

func TestAddrListDeduplicates(t *testing.T) {
	l, err := ParseAddrList([]string{"a:1", "b:2", "a:1"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("len = %d, want 2", l.Len())
	}

	l.Add(NodeAddr{Host: "b", Port: 2})
	if l.Len() != 2 {
		t.Error("Add let a duplicate in")
	}
	l.Add(NodeAddr{Host: "c", Port: 3})
	if l.Len() != 3 {
		t.Error("Add dropped a new address")
	}

	all := l.All()
	if all[0] != (NodeAddr{Host: "a", Port: 1}) {
		t.Error("order not preserved")
	}
}

func TestAddrListBadSpec(t *testing.T) {
	if _, err := ParseAddrList([]string{"a:1", "bad"}); err == nil {
		t.Fatal("expected error for bad spec")
	}
}
