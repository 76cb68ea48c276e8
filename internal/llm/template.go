package llm

import (
	"database/sql"
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Prompt templates live in an optional ai_header.db next to the other
// databases. A template renders {{dotted.key}} placeholders from a
// bindings map into a payload — JSON, or an indentation map with
// "key: value" lines, "key: |" blocks and nested maps — whose system,
// user, options and stream fields override the stage's hard-coded prompt.
// A missing database, table or template is non-fatal.

var placeholderRx = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// RenderTemplate substitutes {{dotted.key}} placeholders from bindings.
// Unknown keys render as empty strings.
func RenderTemplate(text string, bindings map[string]any) string {
	return placeholderRx.ReplaceAllStringFunc(text, func(m string) string {
		key := placeholderRx.FindStringSubmatch(m)[1]
		return bindingText(lookupBinding(bindings, key))
	})
}

func lookupBinding(bindings map[string]any, key string) any {
	var cur any = bindings
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[part]
		if !ok {
			return ""
		}
	}
	return cur
}

func bindingText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// GetTemplateText loads a template body by name, preferring a row with
// the requested type. Returns "" when unavailable for any reason.
func GetTemplateText(dbPath, name, templateType string) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}
	if _, err := os.Stat(dbPath); err != nil {
		return ""
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return ""
	}
	defer conn.Close()

	if templateType != "" {
		var text string
		err := conn.QueryRow(
			`SELECT template_text FROM ai_header_templates WHERE name=? AND type=? LIMIT 1`,
			strings.TrimSpace(name), templateType,
		).Scan(&text)
		if err == nil && strings.TrimSpace(text) != "" {
			return text
		}
	}

	var text string
	if err := conn.QueryRow(
		`SELECT template_text FROM ai_header_templates WHERE name=? LIMIT 1`,
		strings.TrimSpace(name),
	).Scan(&text); err != nil {
		return ""
	}
	return text
}

// CompilePayload loads, renders and parses a named template. Returns nil
// when the template is absent, letting callers fall back to their
// hard-coded prompts.
func CompilePayload(dbPath, name string, bindings map[string]any) map[string]any {
	tpl := GetTemplateText(dbPath, name, "payload")
	if strings.TrimSpace(tpl) == "" {
		return nil
	}
	return ParsePayloadText(RenderTemplate(tpl, bindings))
}

// ParsePayloadText parses a rendered payload: a JSON object when it looks
// like one, otherwise the indentation map format.
func ParsePayloadText(rendered string) map[string]any {
	txt := strings.TrimSpace(rendered)
	if txt == "" {
		return map[string]any{}
	}

	if txt[0] == '{' || txt[0] == '[' {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(txt), &parsed); err == nil && parsed != nil {
			return parsed
		}
	}

	txt = strings.ReplaceAll(txt, "\r\n", "\n")
	txt = strings.ReplaceAll(txt, "\r", "\n")
	lines := strings.Split(txt, "\n")
	parsed, _ := parseMap(lines, 0, 0)
	return parsed
}

var mapLineRx = regexp.MustCompile(`^([A-Za-z0-9_.-]+)\s*:\s*(.*)$`)

func parseMap(lines []string, start, baseIndent int) (map[string]any, int) {
	out := map[string]any{}
	i := start
	n := len(lines)

	for i < n {
		raw := lines[i]
		if strings.TrimSpace(raw) == "" {
			i++
			continue
		}

		indent := leadingSpaces(raw)
		if indent < baseIndent {
			break
		}
		if indent > baseIndent {
			i++
			continue
		}

		m := mapLineRx.FindStringSubmatch(raw[indent:])
		if m == nil {
			i++
			continue
		}
		key, rest := m[1], m[2]

		if rest == "|" {
			var block []string
			i++
			for i < n {
				nxt := lines[i]
				if strings.TrimSpace(nxt) == "" {
					block = append(block, "")
					i++
					continue
				}
				nxtIndent := leadingSpaces(nxt)
				if nxtIndent <= indent {
					break
				}
				trimFrom := indent + 2
				if nxtIndent < trimFrom {
					trimFrom = nxtIndent
				}
				block = append(block, nxt[trimFrom:])
				i++
			}
			out[key] = strings.Trim(strings.Join(block, "\n"), "\n")
			continue
		}

		if rest == "" {
			nested, ni := parseMap(lines, i+1, indent+2)
			out[key] = nested
			i = ni
			continue
		}

		out[key] = parseScalar(rest)
		i++
	}

	return out, i
}

func leadingSpaces(line string) int {
	n := 0
	for n < len(line) && line[n] == ' ' {
		n++
	}
	return n
}

var (
	intRx   = regexp.MustCompile(`^-?\d+$`)
	floatRx = regexp.MustCompile(`^-?\d+\.\d+$`)
)

func parseScalar(s string) any {
	t := strings.TrimSpace(s)
	if t == "" {
		return ""
	}

	switch strings.ToLower(t) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}

	if intRx.MatchString(t) {
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	if floatRx.MatchString(t) {
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}

	if (strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}")) ||
		(strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]")) {
		var v any
		if err := json.Unmarshal([]byte(t), &v); err == nil {
			return v
		}
	}

	return t
}

// systemKeys are joined into the system prompt, in this order.
var systemKeys = []string{"system", "persona", "policy", "tools", "tool_list", "format", "formatting", "constraints"}

// PayloadToChatParts extracts the chat pieces from a compiled payload,
// falling back per part when the template leaves one out.
func PayloadToChatParts(payload map[string]any, fallbackSystem, fallbackUser string) (system, user string, options map[string]any, stream bool) {
	if payload == nil {
		payload = map[string]any{}
	}

	str := func(key string) string {
		return strings.TrimSpace(bindingText(payload[key]))
	}

	var parts []string
	for _, key := range systemKeys {
		if v := str(key); v != "" {
			parts = append(parts, v)
		}
	}
	system = strings.TrimSpace(strings.Join(parts, "\n\n"))
	if system == "" {
		system = strings.TrimSpace(fallbackSystem)
	}

	user = str("user")
	if user == "" {
		user = str("prompt")
	}
	if user == "" {
		user = strings.TrimSpace(fallbackUser)
	}

	options, _ = payload["options"].(map[string]any)
	if options == nil {
		options = map[string]any{}
	}

	switch v := payload["stream"].(type) {
	case bool:
		stream = v
	case string:
		stream = v != "" && v != "false" && v != "0"
	case float64:
		stream = v != 0
	case int:
		stream = v != 0
	}

	return system, user, options, stream
}
