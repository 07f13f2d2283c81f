package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"", "anything", true},
		{"*", "anything", true},
		{"alice", "alice", true},
		{"alice", "alicia", false},
		{"al*", "alice", true},
		{"al*", "bob", false},
		{"*ce", "alice", true},
		{"a*e", "alice", true},
		{"a*e", "apple", true},
		{"?ob", "bob", true},
		{"?ob", "blob", false},
		{"b?b", "bob", true},
		{"*o*", "carol", true},
		{"**", "x", true},
		{"a*", "", false},
		{"*", "", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchGlob(tc.pattern, tc.name), "pattern %q name %q", tc.pattern, tc.name)
	}
}
