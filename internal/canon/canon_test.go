package canon

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_CaseAndPunctuationAreIgnored(t *testing.T) {
	a := Key("Don't forget the Morning Briefing!", nil)
	b := Key("dont forget the morning briefing", nil)
	assert.Equal(t, a, b)
}

func TestKey_FullWidthAndUnicodePunctuation(t *testing.T) {
	// Fullwidth forms (U+FF01 etc.) fold to ASCII under NFKC.
	fullWidth := Key("Ｈｅｌｌｏ，Ｗｏｒｌｄ！", nil)
	ascii := Key("Hello,World!", nil)
	assert.Equal(t, ascii, fullWidth)
}

func TestKey_WhitespaceCollapses(t *testing.T) {
	a := Key("morning   briefing\tpreference\n\n", nil)
	b := Key("morning briefing preference", nil)
	assert.Equal(t, a, b)
}

func TestKey_ProjectPrefix(t *testing.T) {
	withProject := Key("morning briefing", &Context{Project: "pref"})
	assert.Equal(t, "pref::morning briefing", withProject)
}

func TestKey_TruncatesOversizeWithHashSuffix(t *testing.T) {
	long := strings.Repeat("word ", 100)
	key := Key(long, nil)
	require.LessOrEqual(t, len(key), 200)
	// 191 bytes of content + "_" + 8 hex chars
	idx := strings.LastIndex(key, "_")
	require.NotEqual(t, -1, idx)
	suffix := key[idx+1:]
	assert.Len(t, suffix, 8)
}

func TestKey_StableAcrossCalls(t *testing.T) {
	in := "Exactly the same input, twice."
	assert.Equal(t, Key(in, nil), Key(in, nil))
}

func TestDedupeKey_SessionScoped(t *testing.T) {
	k1 := DedupeKey("hello", "s1")
	k2 := DedupeKey("hello", "s2")
	assert.NotEqual(t, k1, k2, "identical content in different sessions must never collide")

	k1Again := DedupeKey("hello", "s1")
	assert.Equal(t, k1, k1Again)
}

func TestDedupeKey_Format(t *testing.T) {
	k := DedupeKey("hi", "s1")
	assert.True(t, strings.HasPrefix(k, "s1:"))
	assert.Len(t, k, len("s1:")+64) // sha256 hex digest length
}

func TestSameCanonical(t *testing.T) {
	assert.True(t, SameCanonical("Hello, World!", "hello world", nil))
	assert.False(t, SameCanonical("Hello", "Goodbye", nil))
}

func TestProjectHash_IsEightHexChars(t *testing.T) {
	h := ProjectHash("/home/user/src/myproject")
	assert.Len(t, h, 8)
	for _, r := range h {
		assert.True(t, strings.ContainsRune("0123456789abcdef", r))
	}
}

func TestProjectHash_IsStableAndPathSensitive(t *testing.T) {
	a := ProjectHash("/home/user/src/myproject")
	b := ProjectHash("/home/user/src/myproject")
	c := ProjectHash("/home/user/src/otherproject")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
