package llm

import "testing"

func TestParseModelJSONClean(t *testing.T) {
	got, err := ParseModelJSON(`{"known": true, "intent": "list files"}`)
	if err != nil {
		t.Fatalf("ParseModelJSON: %v", err)
	}
	if got["known"] != true || got["intent"] != "list files" {
		t.Errorf("parsed = %v", got)
	}
}

func TestParseModelJSONExtractsFromProse(t *testing.T) {
	txt := "Sure! Here is the JSON you asked for:\n```json\n{\"known\": false}\n```\nHope that helps."
	got, err := ParseModelJSON(txt)
	if err != nil {
		t.Fatalf("ParseModelJSON: %v", err)
	}
	if got["known"] != false {
		t.Errorf("parsed = %v", got)
	}
}

func TestParseModelJSONRepairsEscapes(t *testing.T) {
	// \_ is not a legal JSON escape; the repair pass doubles it.
	got, err := ParseModelJSON(`{"base_cmd": "my\_tool", "known": true}`)
	if err != nil {
		t.Fatalf("ParseModelJSON: %v", err)
	}
	if got["base_cmd"] != `my\_tool` {
		t.Errorf("base_cmd = %q", got["base_cmd"])
	}
}

func TestParseModelJSONRejectsNonObject(t *testing.T) {
	if _, err := ParseModelJSON(`[1, 2, 3]`); err == nil {
		t.Error("array accepted as top-level")
	}
	if _, err := ParseModelJSON(`"just a string"`); err == nil {
		t.Error("string accepted as top-level")
	}
	if _, err := ParseModelJSON(``); err == nil {
		t.Error("empty input accepted")
	}
	if _, err := ParseModelJSON(`total garbage`); err == nil {
		t.Error("garbage accepted")
	}
}

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`before {"a":1} after`, `{"a":1}`},
		{`{"a":1}`, `{"a":1}`},
		{`no braces here`, ""},
		{`}{`, ""},
		{`{"a": {"b": 2}} tail`, `{"a": {"b": 2}}`},
	}
	for _, tc := range cases {
		if got := ExtractJSONObject(tc.in); got != tc.want {
			t.Errorf("ExtractJSONObject(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRepairInvalidEscapes(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`a\_b`, `a\\_b`},
		{`a\nb`, `a\nb`},
		{`a\"b`, `a\"b`},
		{`a\\b`, `a\\b`},
		{`aAb`, `aAb`},
		{`a\u00g1b`, `a\\u00g1b`},
		{`trailing\`, `trailing\\`},
		{``, ``},
		{`no escapes`, `no escapes`},
	}
	for _, tc := range cases {
		if got := RepairInvalidEscapes(tc.in); got != tc.want {
			t.Errorf("RepairInvalidEscapes(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
