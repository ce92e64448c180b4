package skills

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/clawtask/internal/budget"
	"github.com/basket/clawtask/internal/shared"
)

// Parse error codes.
const (
	CodeNoHeader           = "NO_HEADER"
	CodeMissingName        = "MISSING_NAME"
	CodeMissingDescription = "MISSING_DESCRIPTION"
	CodeEmptyBody          = "EMPTY_BODY"
)

// ParseError is returned for skill files that cannot become a manifest.
type ParseError struct {
	Code    string
	Path    string
	Message string
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Path)
}

// Parse turns a skill definition file into a Manifest. The file is a header
// fenced by "---" lines followed by the instruction body. Parse never panics
// and unknown header keys never fail the parse.
func Parse(raw []byte, sourcePath string) (Manifest, error) {
	header, body, ok := splitHeader(string(raw))
	if !ok {
		return Manifest{}, &ParseError{Code: CodeNoHeader, Path: sourcePath, Message: "missing --- header block"}
	}

	fields := parseHeader(header)

	m := Manifest{FilePath: sourcePath, Extra: map[string]Value{}}
	m.ID = strings.TrimSpace(fields["name"].String())
	if m.ID == "" {
		return Manifest{}, &ParseError{Code: CodeMissingName, Path: sourcePath, Message: "header has no name"}
	}
	m.Description = strings.TrimSpace(fields["description"].String())
	if m.Description == "" {
		return Manifest{}, &ParseError{Code: CodeMissingDescription, Path: sourcePath, Message: "header has no description"}
	}
	m.Instructions = strings.TrimSpace(body)
	if m.Instructions == "" {
		return Manifest{}, &ParseError{Code: CodeEmptyBody, Path: sourcePath, Message: "instruction body is empty"}
	}

	for key, v := range fields {
		switch key {
		case "name", "description":
		case "version":
			m.Version = strings.TrimSpace(v.String())
		case "author":
			m.Author = strings.TrimSpace(v.String())
		case "toolAllow":
			m.ToolAllow = v.Strings()
		case "toolDeny":
			m.ToolDeny = v.Strings()
		case "resultRoute":
			if v.Kind != KindNull {
				r := shared.ParseResultRoute(v.String())
				m.ResultRoute = &r
			}
		case "maxTokens", "maxCostUsd", "maxWallClockMs", "maxToolCalls", "maxMemoryWrites":
			if !applyBudgetField(&m.Budget, key, v) {
				m.Extra[key] = v
			}
		default:
			m.Extra[key] = v
		}
	}
	return m, nil
}

func applyBudgetField(b *budget.Budget, key string, v Value) bool {
	if v.Kind != KindNumber {
		return false
	}
	switch key {
	case "maxTokens":
		b.MaxTokens = budget.Int64(int64(v.Num))
	case "maxCostUsd":
		b.MaxCostUSD = budget.Float64(v.Num)
	case "maxWallClockMs":
		b.MaxWallClockMs = budget.Int64(int64(v.Num))
	case "maxToolCalls":
		b.MaxToolCalls = budget.Int(int(v.Num))
	case "maxMemoryWrites":
		b.MaxMemoryWrites = budget.Int(int(v.Num))
	default:
		return false
	}
	return true
}

// splitHeader separates the fenced header from the body. The first non-blank
// line must be "---" and a closing "---" line is required.
func splitHeader(s string) (header, body string, ok bool) {
	s = strings.TrimPrefix(s, "\ufeff")
	lines := strings.SplitAfter(s, "\n")
	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i == len(lines) || strings.TrimSpace(lines[i]) != "---" {
		return "", "", false
	}
	start := i + 1
	for j := start; j < len(lines); j++ {
		if strings.TrimSpace(lines[j]) == "---" {
			return strings.Join(lines[start:j], ""), strings.Join(lines[j+1:], ""), true
		}
	}
	return "", "", false
}

// parseHeader decodes the header as a YAML mapping and falls back to a
// line-oriented key/value scan when the header is not valid YAML or not a
// mapping (for example an unquoted value containing ": ").
func parseHeader(header string) map[string]Value {
	if fields, ok := parseYAMLHeader(header); ok {
		return fields
	}
	return parseLineHeader(header)
}

// parseYAMLHeader decodes headers written as one "key: value" per line, with
// values limited to single-line scalars and flow lists. Anything richer
// (block lists, literal or folded scalars, nested maps, trailing comments)
// reports false so the line parser reads the header as plain text.
func parseYAMLHeader(header string) (map[string]Value, bool) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(header), &doc); err != nil {
		return nil, false
	}
	fields := map[string]Value{}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return fields, true
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, false
	}
	if len(root.Content)/2 != headerLines(header) {
		return nil, false
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		k, v := root.Content[i], root.Content[i+1]
		if k.Kind != yaml.ScalarNode || k.LineComment != "" || !flatNode(v) {
			return nil, false
		}
		key := strings.TrimSpace(k.Value)
		if key == "" {
			continue
		}
		fields[key] = nodeValue(v)
	}
	return fields, true
}

// headerLines counts the lines that carry a field.
func headerLines(header string) int {
	n := 0
	for _, line := range strings.Split(header, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			n++
		}
	}
	return n
}

func flatNode(n *yaml.Node) bool {
	if n.LineComment != "" {
		return false
	}
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Style&(yaml.LiteralStyle|yaml.FoldedStyle) == 0
	case yaml.SequenceNode:
		if n.Style&yaml.FlowStyle == 0 {
			return false
		}
		for _, c := range n.Content {
			if c.Kind != yaml.ScalarNode || !flatNode(c) {
				return false
			}
		}
		return true
	}
	return false
}

func nodeValue(n *yaml.Node) Value {
	switch n.Kind {
	case yaml.ScalarNode:
		switch n.ShortTag() {
		case "!!null":
			return Value{Kind: KindNull}
		case "!!bool":
			if b, err := strconv.ParseBool(strings.ToLower(n.Value)); err == nil {
				return Value{Kind: KindBool, Bool: b, Raw: n.Value}
			}
		case "!!int", "!!float":
			if f, err := strconv.ParseFloat(n.Value, 64); err == nil {
				return Value{Kind: KindNumber, Num: f, Raw: n.Value}
			}
		}
		return Value{Kind: KindString, Raw: n.Value}
	case yaml.SequenceNode:
		list := make([]Value, 0, len(n.Content))
		for _, c := range n.Content {
			list = append(list, nodeValue(c))
		}
		return Value{Kind: KindList, List: list}
	}
	return Value{Kind: KindString, Raw: n.Value}
}

func parseLineHeader(header string) map[string]Value {
	fields := map[string]Value{}
	for _, line := range strings.Split(header, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, raw, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		fields[key] = scalarOrList(strings.TrimSpace(raw))
	}
	return fields
}

func scalarOrList(raw string) Value {
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		inner := strings.TrimSpace(raw[1 : len(raw)-1])
		list := []Value{}
		if inner != "" {
			for _, item := range strings.Split(inner, ",") {
				list = append(list, scalar(strings.TrimSpace(item)))
			}
		}
		return Value{Kind: KindList, List: list}
	}
	return scalar(raw)
}

func scalar(raw string) Value {
	if len(raw) >= 2 {
		if (raw[0] == '"' && raw[len(raw)-1] == '"') || (raw[0] == '\'' && raw[len(raw)-1] == '\'') {
			return Value{Kind: KindString, Raw: raw[1 : len(raw)-1]}
		}
	}
	switch raw {
	case "", "null", "~":
		return Value{Kind: KindNull}
	case "true":
		return Value{Kind: KindBool, Bool: true, Raw: raw}
	case "false":
		return Value{Kind: KindBool, Bool: false, Raw: raw}
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Value{Kind: KindNumber, Num: f, Raw: raw}
	}
	return Value{Kind: KindString, Raw: raw}
}
