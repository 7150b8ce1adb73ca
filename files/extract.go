package files

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/encoding/charmap"
)

const (
	// maxSampleRows is the number of data rows included in a CSV rendering.
	maxSampleRows = 5
	// maxRawRender caps the raw JSON and XML bodies echoed after the
	// structure summary.
	maxRawRender = 2000
	// maxValuePreview bounds scalar previews in JSON structure summaries.
	maxValuePreview = 50
	// maxLeafPreview bounds leaf text previews in XML structure summaries.
	maxLeafPreview = 100
)

// Extract renders content as model-readable text according to its media
// type. The returned error marks the artifact as unprocessable; injection
// turns it into an in-band placeholder instead of failing the request.
// Malformed CSV, JSON, XML and HTML fall back to the raw text rendering.
func Extract(content []byte, mediaType, filename string) (string, error) {
	switch normalizeMediaType(mediaType) {
	case "text/plain", "text/markdown", "text/x-python", "application/javascript":
		return decodeText(content), nil
	case "text/csv":
		return extractCSV(content, filename), nil
	case "application/json":
		return extractJSON(content, filename), nil
	case "application/xml", "text/xml":
		return extractXML(content, filename), nil
	case "text/html":
		return extractHTML(content, filename), nil
	default:
		return "", fmt.Errorf("unsupported file type: %s", mediaType)
	}
}

// normalizeMediaType lowercases the type and drops parameters such as
// charset.
func normalizeMediaType(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// decodeText decodes bytes as UTF-8 when valid and falls back to
// Windows-1252 for legacy single-byte content, then to lossy UTF-8.
func decodeText(content []byte) string {
	if utf8.Valid(content) {
		return string(content)
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(content)
	if err != nil {
		return string(bytes.ToValidUTF8(content, []byte("�")))
	}
	return string(out)
}

func extractCSV(content []byte, filename string) string {
	text := decodeText(content)
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return text
	}
	if len(rows) == 0 {
		return "Empty CSV file"
	}
	lines := []string{
		"CSV File: " + filename,
		"Headers: " + strings.Join(rows[0], ", "),
		fmt.Sprintf("Total rows: %d", len(rows)-1),
		"",
	}
	for i, row := range rows {
		if i > maxSampleRows {
			break
		}
		if i == 0 {
			lines = append(lines, "Row 0 (Headers): "+strings.Join(row, ", "))
			continue
		}
		lines = append(lines, fmt.Sprintf("Row %d: %s", i, strings.Join(row, ", ")))
	}
	if extra := len(rows) - maxSampleRows - 1; extra > 0 {
		lines = append(lines, fmt.Sprintf("... and %d more rows", extra))
	}
	return strings.Join(lines, "\n")
}

func extractJSON(content []byte, filename string) string {
	text := decodeText(content)
	var data any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return text
	}
	lines := []string{"JSON File: " + filename}
	describeJSON(&lines, data, "", 0)
	if pretty, err := json.MarshalIndent(data, "", "  "); err == nil {
		body, cut := clip(string(pretty), maxRawRender)
		if cut {
			lines = append(lines, "\nJSON Content (truncated):", body+"\n... (truncated)")
		} else {
			lines = append(lines, "\nJSON Content:", body)
		}
	}
	return strings.Join(lines, "\n")
}

// describeJSON summarizes the shape of decoded JSON: objects list their
// keys and value types, arrays their length and sample item. Recursion
// stops two levels down to keep the summary short. Object keys are sorted
// so renderings are stable.
func describeJSON(lines *[]string, v any, path string, level int) {
	indent := strings.Repeat("  ", level)
	at := path
	if at == "" {
		at = "root"
	}
	switch val := v.(type) {
	case map[string]any:
		*lines = append(*lines, fmt.Sprintf("%sObject at %s with %d keys:", indent, at, len(val)))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			child := val[key]
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			switch child.(type) {
			case map[string]any, []any:
				*lines = append(*lines, fmt.Sprintf("%s  %s: %s", indent, key, jsonType(child)))
				if level < 2 {
					describeJSON(lines, child, childPath, level+1)
				}
			default:
				preview, cut := clip(scalarString(child), maxValuePreview)
				if cut {
					preview += "..."
				}
				*lines = append(*lines, fmt.Sprintf("%s  %s: %s = %s", indent, key, jsonType(child), preview))
			}
		}
	case []any:
		*lines = append(*lines, fmt.Sprintf("%sArray at %s with %d items", indent, at, len(val)))
		if len(val) > 0 && level < 2 {
			*lines = append(*lines, fmt.Sprintf("%s  Sample item type: %s", indent, jsonType(val[0])))
			switch val[0].(type) {
			case map[string]any, []any:
				describeJSON(lines, val[0], path+"[0]", level+1)
			}
		}
	}
}

func jsonType(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// xmlNode is a minimal document node used for the structure summary.
type xmlNode struct {
	tag      string
	text     string
	children []*xmlNode
}

func extractXML(content []byte, filename string) string {
	text := decodeText(content)
	root, err := parseXML(text)
	if err != nil {
		return text
	}
	lines := []string{"XML File: " + filename, "Root element: " + root.tag}
	describeXML(&lines, root, 0)
	body, cut := clip(text, maxRawRender)
	if cut {
		lines = append(lines, "\nXML Content (truncated):", body+"\n... (truncated)")
	} else {
		lines = append(lines, "\nXML Content:", body)
	}
	return strings.Join(lines, "\n")
}

func parseXML(text string) (*xmlNode, error) {
	dec := xml.NewDecoder(strings.NewReader(text))
	var root *xmlNode
	var stack []*xmlNode
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{tag: t.Name.Local}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("multiple root elements")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text += string(t)
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("no root element")
	}
	return root, nil
}

// describeXML walks the first three levels of the tree; branch nodes report
// child counts and tag names, leaves their text.
func describeXML(lines *[]string, n *xmlNode, level int) {
	if level >= 3 {
		return
	}
	indent := strings.Repeat("  ", level)
	if len(n.children) > 0 {
		*lines = append(*lines, fmt.Sprintf("%s%s: %d child elements", indent, n.tag, len(n.children)))
		*lines = append(*lines, fmt.Sprintf("%s  Child types: %s", indent, strings.Join(childTags(n), ", ")))
		for i, child := range n.children {
			if i == 3 {
				break
			}
			describeXML(lines, child, level+1)
		}
		return
	}
	text := strings.TrimSpace(n.text)
	if text == "" {
		*lines = append(*lines, fmt.Sprintf("%s%s: (empty)", indent, n.tag))
		return
	}
	preview, cut := clip(text, maxLeafPreview)
	if cut {
		preview += "..."
	}
	*lines = append(*lines, fmt.Sprintf("%s%s: %s", indent, n.tag, preview))
}

// childTags returns the distinct child tag names in document order.
func childTags(n *xmlNode) []string {
	seen := make(map[string]struct{}, len(n.children))
	var tags []string
	for _, child := range n.children {
		if _, ok := seen[child.tag]; ok {
			continue
		}
		seen[child.tag] = struct{}{}
		tags = append(tags, child.tag)
	}
	return tags
}

func extractHTML(content []byte, filename string) string {
	text := decodeText(content)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return text
	}
	doc.Find("script, style").Remove()
	flat := strings.Join(strings.Fields(doc.Text()), " ")
	return strings.Join([]string{"HTML File: " + filename, "Extracted text content:", flat}, "\n")
}

// clip returns at most n runes of s and reports whether s was cut.
func clip(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	return string([]rune(s)[:n]), true
}

// clipBytes returns at most n bytes of s, never splitting a rune, and
// reports whether s was cut.
func clipBytes(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n], true
}
