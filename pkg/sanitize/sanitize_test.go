package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngress(t *testing.T) {
	t.Run("strips control characters except LF", func(t *testing.T) {
		in := "a\x00b\x01c\x02d\ne\x1ff\x7fg"
		assert.Equal(t, "abcd\nefg", Ingress(in))
	})

	t.Run("decodes HTML entities", func(t *testing.T) {
		assert.Equal(t, `I can't & won't <do> that`, Ingress("I can&#39;t &amp; won&#39;t &lt;do&gt; that"))
	})

	t.Run("no-op on clean input", func(t *testing.T) {
		clean := "A perfectly normal post.\nWith two lines, punctuation; and (parens)!"
		assert.Equal(t, clean, Ingress(clean))
	})

	t.Run("idempotent", func(t *testing.T) {
		inputs := []string{
			"plain text",
			"entities &amp; controls\x01",
			"tabs\tand\rreturns",
		}
		for _, in := range inputs {
			once := Ingress(in)
			assert.Equal(t, once, Ingress(once), "input %q", in)
		}
	})
}

func TestListing(t *testing.T) {
	// Fixed corpus of hostile fragments. After sanitization none may
	// survive as executable HTML.
	corpus := []string{
		`<script>alert(1)</script>`,
		`<img src=x onerror=alert(1)>`,
		`<a href="javascript:alert(1)">click</a>`,
		`<a href="data:text/html,<script>alert(1)</script>">x</a>`,
		`<iframe src="https://evil.example"></iframe>`,
		`<base href="https://evil.example/">`,
		`<object data="x"></object>`,
		`<embed src="x">`,
		`<form action="https://evil.example"><input></form>`,
	}

	for _, hostile := range corpus {
		t.Run(hostile, func(t *testing.T) {
			out := Listing(hostile)
			lower := strings.ToLower(out)
			assert.NotContains(t, lower, "<script")
			assert.NotContains(t, lower, "<iframe")
			assert.NotContains(t, lower, "<object")
			assert.NotContains(t, lower, "<embed")
			assert.NotContains(t, lower, "<form")
			assert.NotContains(t, lower, "<base")
			assert.NotContains(t, lower, "javascript:")
			assert.NotContains(t, lower, "data:text/html")
			assert.NotRegexp(t, `(?i)\bon[a-z]+\s*=`, out)
			// Whatever markup remains must be entity-escaped.
			assert.NotContains(t, out, "<")
		})
	}

	t.Run("idempotent", func(t *testing.T) {
		for _, hostile := range corpus {
			once := Listing(hostile)
			assert.Equal(t, once, Listing(once), "input %q", hostile)
		}
	})

	t.Run("keeps plain markdown", func(t *testing.T) {
		md := "# Title\n\nSome **bold** text with a [link](https://example.com).\n\n- item one\n- item two"
		assert.Equal(t, md, Listing(md))
	})
}

func TestStore(t *testing.T) {
	t.Run("strips NUL", func(t *testing.T) {
		out, err := Store("a\x00b\x00c")
		require.NoError(t, err)
		assert.Equal(t, "abc", out)
	})

	t.Run("rejects invalid UTF-8", func(t *testing.T) {
		_, err := Store("ok\xff\xfebad")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "UTF-8")
	})

	t.Run("passes valid text through", func(t *testing.T) {
		in := "unicode is fine: héllo, 世界, emoji 🎉"
		out, err := Store(in)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})
}
