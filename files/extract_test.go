package files

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	t.Run("utf-8", func(t *testing.T) {
		got, err := Extract([]byte("héllo\nworld"), "text/plain", "a.txt")
		require.NoError(t, err)
		assert.Equal(t, "héllo\nworld", got)
	})
	t.Run("windows-1252 fallback", func(t *testing.T) {
		got, err := Extract([]byte{'c', 'a', 'f', 0xE9}, "text/plain", "a.txt")
		require.NoError(t, err)
		assert.Equal(t, "café", got)
	})
	t.Run("markdown and source types", func(t *testing.T) {
		for _, mt := range []string{"text/markdown", "text/x-python", "application/javascript"} {
			got, err := Extract([]byte("body"), mt, "a")
			require.NoError(t, err)
			assert.Equal(t, "body", got)
		}
	})
	t.Run("charset parameter ignored", func(t *testing.T) {
		got, err := Extract([]byte("plain"), "text/plain; charset=utf-8", "a.txt")
		require.NoError(t, err)
		assert.Equal(t, "plain", got)
	})
}

func TestExtractCSV(t *testing.T) {
	t.Run("small file", func(t *testing.T) {
		csv := "Date,Product,Sales\n2024-01-01,A,150\n2024-01-02,B,200"
		got, err := Extract([]byte(csv), "text/csv", "sales.csv")
		require.NoError(t, err)

		lines := strings.Split(got, "\n")
		assert.Equal(t, "CSV File: sales.csv", lines[0])
		assert.Equal(t, "Headers: Date, Product, Sales", lines[1])
		assert.Equal(t, "Total rows: 2", lines[2])
		assert.Equal(t, "", lines[3])
		assert.Equal(t, "Row 0 (Headers): Date, Product, Sales", lines[4])
		assert.Equal(t, "Row 1: 2024-01-01, A, 150", lines[5])
		assert.Equal(t, "Row 2: 2024-01-02, B, 200", lines[6])
		assert.NotContains(t, got, "more rows")
	})
	t.Run("long file summarized", func(t *testing.T) {
		var b strings.Builder
		b.WriteString("id,name\n")
		for i := 0; i < 20; i++ {
			b.WriteString("1,x\n")
		}
		got, err := Extract([]byte(b.String()), "text/csv", "big.csv")
		require.NoError(t, err)
		assert.Contains(t, got, "Total rows: 20")
		assert.Contains(t, got, "Row 5: 1, x")
		assert.NotContains(t, got, "Row 6:")
		assert.Contains(t, got, "... and 15 more rows")
	})
	t.Run("empty", func(t *testing.T) {
		got, err := Extract(nil, "text/csv", "empty.csv")
		require.NoError(t, err)
		assert.Equal(t, "Empty CSV file", got)
	})
	t.Run("malformed falls back to raw text", func(t *testing.T) {
		raw := "a,\"unterminated\nb"
		got, err := Extract([]byte(raw), "text/csv", "bad.csv")
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	})
}

func TestExtractJSON(t *testing.T) {
	t.Run("object summary", func(t *testing.T) {
		doc := `{"name":"gw","port":8000,"tags":["a","b"],"nested":{"on":true}}`
		got, err := Extract([]byte(doc), "application/json", "cfg.json")
		require.NoError(t, err)
		assert.Contains(t, got, "JSON File: cfg.json")
		assert.Contains(t, got, "Object at root with 4 keys:")
		assert.Contains(t, got, "name: string = gw")
		assert.Contains(t, got, "port: number = 8000")
		assert.Contains(t, got, "tags: array")
		assert.Contains(t, got, "Array at tags with 2 items")
		assert.Contains(t, got, "nested: object")
		assert.Contains(t, got, "Object at nested with 1 keys:")
		assert.Contains(t, got, "on: boolean = true")
		assert.Contains(t, got, "\nJSON Content:")
		assert.NotContains(t, got, "(truncated)")
	})
	t.Run("long value previews clipped", func(t *testing.T) {
		doc := `{"v":"` + strings.Repeat("x", 80) + `"}`
		got, err := Extract([]byte(doc), "application/json", "v.json")
		require.NoError(t, err)
		assert.Contains(t, got, "v: string = "+strings.Repeat("x", 50)+"...")
	})
	t.Run("large body truncated", func(t *testing.T) {
		items := make([]string, 300)
		for i := range items {
			items[i] = `"item"`
		}
		doc := "[" + strings.Join(items, ",") + "]"
		got, err := Extract([]byte(doc), "application/json", "big.json")
		require.NoError(t, err)
		assert.Contains(t, got, "Array at root with 300 items")
		assert.Contains(t, got, "JSON Content (truncated):")
		assert.Contains(t, got, "... (truncated)")
	})
	t.Run("invalid falls back to raw text", func(t *testing.T) {
		got, err := Extract([]byte("{nope"), "application/json", "bad.json")
		require.NoError(t, err)
		assert.Equal(t, "{nope", got)
	})
}

func TestExtractXML(t *testing.T) {
	t.Run("structure", func(t *testing.T) {
		doc := `<catalog><book><title>Go</title><year>2015</year></book><book><title>Up</title><year></year></book></catalog>`
		got, err := Extract([]byte(doc), "application/xml", "books.xml")
		require.NoError(t, err)
		assert.Contains(t, got, "XML File: books.xml")
		assert.Contains(t, got, "Root element: catalog")
		assert.Contains(t, got, "catalog: 2 child elements")
		assert.Contains(t, got, "Child types: book")
		assert.Contains(t, got, "title: Go")
		assert.Contains(t, got, "year: (empty)")
		assert.Contains(t, got, "\nXML Content:")
	})
	t.Run("text/xml alias", func(t *testing.T) {
		got, err := Extract([]byte("<a>x</a>"), "text/xml", "a.xml")
		require.NoError(t, err)
		assert.Contains(t, got, "Root element: a")
	})
	t.Run("invalid falls back to raw text", func(t *testing.T) {
		got, err := Extract([]byte("<open"), "application/xml", "bad.xml")
		require.NoError(t, err)
		assert.Equal(t, "<open", got)
	})
}

func TestExtractHTML(t *testing.T) {
	doc := `<html><head><style>p{color:red}</style></head>
<body><script>alert(1)</script><h1>Title</h1>
<p>Some   spaced    text</p></body></html>`
	got, err := Extract([]byte(doc), "text/html", "page.html")
	require.NoError(t, err)
	assert.Contains(t, got, "HTML File: page.html")
	assert.Contains(t, got, "Extracted text content:")
	assert.Contains(t, got, "Title Some spaced text")
	assert.NotContains(t, got, "alert")
	assert.NotContains(t, got, "color:red")
}

func TestExtractUnsupported(t *testing.T) {
	_, err := Extract([]byte{0xFF, 0xD8}, "image/jpeg", "pic.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type: image/jpeg")
}

func TestClip(t *testing.T) {
	got, cut := clip("héllo", 3)
	assert.True(t, cut)
	assert.Equal(t, "hél", got)

	got, cut = clip("hi", 3)
	assert.False(t, cut)
	assert.Equal(t, "hi", got)
}

func TestClipBytes(t *testing.T) {
	// é is two bytes; a three byte budget must not split it.
	got, cut := clipBytes("aéz", 2)
	assert.True(t, cut)
	assert.Equal(t, "a", got)

	got, cut = clipBytes("aéz", 3)
	assert.True(t, cut)
	assert.Equal(t, "aé", got)

	got, cut = clipBytes("aéz", 10)
	assert.False(t, cut)
	assert.Equal(t, "aéz", got)
}
