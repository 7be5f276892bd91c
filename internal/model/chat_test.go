package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{
		"human":     RoleHuman,
		"user":      RoleHuman,
		" User ":    RoleHuman,
		"ai":        RoleAI,
		"assistant": RoleAI,
	} {
		got, ok := ParseRole(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseRole("system")
	assert.False(t, ok)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "Hello", DeriveTitle("Hello"))

	long := strings.Repeat("a", 150)
	assert.Equal(t, strings.Repeat("a", 100), DeriveTitle(long))

	// Multi-byte characters are counted as characters, not bytes.
	wide := strings.Repeat("é", 120)
	assert.Equal(t, strings.Repeat("é", 100), DeriveTitle(wide))
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "/chat/abc", ChatPath("abc"))
	assert.Equal(t, "/share/abc", SharePath("abc"))
}

func TestUserChatIndexContains(t *testing.T) {
	idx := &UserChatIndex{UserID: "u1", Chats: []ChatRef{{ID: "c1"}, {ID: "c2"}}}
	assert.True(t, idx.Contains("c2"))
	assert.False(t, idx.Contains("c3"))

	var missing *UserChatIndex
	assert.False(t, missing.Contains("c1"))
}
