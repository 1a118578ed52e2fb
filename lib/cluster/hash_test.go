package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlotKnownValues(t *testing.T) {
	assert.Equal(t, 12739, Slot("123456789"))
	assert.Equal(t, 15495, Slot("a"))
}

func TestSlotHashTags(t *testing.T) {
	tests := []struct {
		name string
		key  string
		same string
	}{
		{"tag only is hashed", "{a}b", "a"},
		{"first tag wins", "{user1000}.following", "user1000"},
		{"second brace is part of the tag", "foo{{bar}}", "{bar"},
		{"tag in the middle", "x{tag}y", "tag"},
		{"empty tag hashes the whole key", "{}a", "{}a"},
		{"empty tag before other tag", "foo{}{bar}", "foo{}{bar}"},
		{"unclosed brace", "foo{bar", "foo{bar"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, int(crc16(tt.same)%NumSlots), Slot(tt.key))
		})
	}
}

func TestSlotRange(t *testing.T) {
	for _, k := range []string{"", "x", "some:longer:key", "\xff\x00binary"} {
		s := Slot(k)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, NumSlots)
	}
}
