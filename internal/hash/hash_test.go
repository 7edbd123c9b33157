package hash

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestToolMD5_Stable(t *testing.T) {
	a := ToolMD5("notion__read_docs", "Read documents from Notion")
	b := ToolMD5("notion__read_docs", "Read documents from Notion")
	assert.Equal(t, a, b)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), a)
}

func TestToolMD5_TrimsSurroundingWhitespace(t *testing.T) {
	base := ToolMD5("srv__x", "hello world")

	assert.Equal(t, base, ToolMD5("srv__x", "hello world "))
	assert.Equal(t, base, ToolMD5("srv__x", "\thello world\n"))
	assert.Equal(t, base, ToolMD5(" srv__x ", "hello world"))

	// Interior whitespace is significant.
	assert.NotEqual(t, base, ToolMD5("srv__x", "hello  world"))
}

func TestToolMD5_DistinctIdentities(t *testing.T) {
	assert.NotEqual(t,
		ToolMD5("srv__x", "hello world"),
		ToolMD5("srv__y", "hello world"))
	assert.NotEqual(t,
		ToolMD5("srv__x", "hello world"),
		ToolMD5("srv__x", "hello world!"))
}

func TestDisplayName_RoundTrip(t *testing.T) {
	dn := DisplayName("github", "create_issue")
	assert.Equal(t, "github__create_issue", dn)

	server, tool, ok := SplitDisplayName(dn)
	assert.True(t, ok)
	assert.Equal(t, "github", server)
	assert.Equal(t, "create_issue", tool)

	_, _, ok = SplitDisplayName("noseparator")
	assert.False(t, ok)
}

func TestHasServerPrefix_NoPartialMatch(t *testing.T) {
	assert.True(t, HasServerPrefix("a__x", "a"))
	assert.False(t, HasServerPrefix("aa__x", "a"))
	assert.False(t, HasServerPrefix("a__x", "aa"))
}

func TestEmbeddingText(t *testing.T) {
	assert.Equal(t, "srv__x does things", EmbeddingText("srv__x", " does things "))
	assert.Equal(t, "srv__x", EmbeddingText("srv__x", ""))
}

func TestToolMD5_Properties(t *testing.T) {
	hexRe := regexp.MustCompile(`^[0-9a-f]{32}$`)
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[a-z]{1,8}__[a-z_]{1,16}`).Draw(t, "name")
		desc := rapid.String().Draw(t, "desc")

		h1 := ToolMD5(name, desc)
		h2 := ToolMD5(name, desc)
		if h1 != h2 {
			t.Fatalf("identity not reproducible: %q vs %q", h1, h2)
		}
		if !hexRe.MatchString(h1) {
			t.Fatalf("not a hex md5: %q", h1)
		}
		if h1 != ToolMD5(name, desc+"  ") {
			t.Fatalf("trailing whitespace changed identity")
		}
	})
}
