package agi

import (
	"bufio"
	"errors"
	"strings"
	"testing"
)

func TestReadRequest(t *testing.T) {
	input := "agi_network: yes\n" +
		"agi_network_script: call_forward\n" +
		"agi_request: agi://127.0.0.1/call_forward\n" +
		"agi_channel: PJSIP/701-00000001\n" +
		"agi_arg_1: 702\n" +
		"agi_arg_2: from_internal\n" +
		"\n"

	req, err := readRequest(bufio.NewReader(strings.NewReader(input)))
	if err != nil {
		t.Fatalf("readRequest() error: %v", err)
	}
	if req.Get("agi_channel") != "PJSIP/701-00000001" {
		t.Errorf("agi_channel = %q", req.Get("agi_channel"))
	}
	if req.Script() != "call_forward" {
		t.Errorf("Script() = %q, want call_forward", req.Script())
	}
	if v, ok := req.Arg(0); !ok || v != "702" {
		t.Errorf("Arg(0) = %q, %v", v, ok)
	}
	if v, ok := req.Arg(1); !ok || v != "from_internal" {
		t.Errorf("Arg(1) = %q, %v", v, ok)
	}
	if _, ok := req.Arg(2); ok {
		t.Error("Arg(2) should be absent")
	}
}

func TestReadRequestErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"truncated", "agi_network: yes\n"},
		{"empty", "\n"},
		{"no colon", "agi_network yes\n\n"},
		{"too long", strings.Repeat("agi_x: y\n", maxEnvLines+1) + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := readRequest(bufio.NewReader(strings.NewReader(tt.input))); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReadLineLimit(t *testing.T) {
	fits := "agi_network_script: " + strings.Repeat("a", maxLineSize-len("agi_network_script: ")-1) + "\n\n"
	req, err := readRequest(bufio.NewReaderSize(strings.NewReader(fits), maxLineSize))
	if err != nil {
		t.Fatalf("readRequest() at the limit: %v", err)
	}
	if got := len(req.Script()); got != maxLineSize-len("agi_network_script: ")-1 {
		t.Errorf("len(Script()) = %d", got)
	}

	tests := []struct {
		name  string
		input string
	}{
		{"one byte over", "agi_x: " + strings.Repeat("a", maxLineSize) + "\n\n"},
		{"no newline", strings.Repeat("a", 4*maxLineSize)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReaderSize(strings.NewReader(tt.input), maxLineSize)
			if _, err := readRequest(r); !errors.Is(err, ErrLineTooLong) {
				t.Errorf("readRequest() error = %v, want ErrLineTooLong", err)
			}
		})
	}

	r := bufio.NewReaderSize(strings.NewReader("200 result=1 ("+strings.Repeat("f", maxLineSize)+")\n"), maxLineSize)
	if _, err := readReply(r); !errors.Is(err, ErrLineTooLong) {
		t.Errorf("readReply() error = %v, want ErrLineTooLong", err)
	}
}

func TestRequestScript(t *testing.T) {
	tests := []struct {
		env  map[string]string
		want string
	}{
		{map[string]string{"agi_network_script": "/call_forward"}, "call_forward"},
		{map[string]string{"agi_network_script": "call_forward?debug=1"}, "call_forward"},
		{map[string]string{"agi_request": "agi://10.0.0.5:4573/call_forward"}, "call_forward"},
		{map[string]string{"agi_request": "agi://10.0.0.5"}, ""},
	}
	for _, tt := range tests {
		req := &Request{env: tt.env}
		if got := req.Script(); got != tt.want {
			t.Errorf("Script(%v) = %q, want %q", tt.env, got, tt.want)
		}
	}
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		line   string
		code   int
		result string
		data   string
	}{
		{"200 result=1 (4a77ec6aa322e126b7678d398eae28172506e77c)", 200, "1", "(4a77ec6aa322e126b7678d398eae28172506e77c)"},
		{"200 result=0", 200, "0", ""},
		{"510 Invalid or unknown command", 510, "", "Invalid or unknown command"},
		{"511 Command Not Permitted on a dead channel or intercept routine", 511, "", "Command Not Permitted on a dead channel or intercept routine"},
	}
	for _, tt := range tests {
		r, err := parseReply(tt.line)
		if err != nil {
			t.Errorf("parseReply(%q) error: %v", tt.line, err)
			continue
		}
		if r.Code != tt.code || r.Result != tt.result || r.Data != tt.data {
			t.Errorf("parseReply(%q) = %+v", tt.line, r)
		}
	}

	for _, bad := range []string{"", "OK", "20 result=1", "abc result=1"} {
		if _, err := parseReply(bad); err == nil {
			t.Errorf("parseReply(%q) should fail", bad)
		}
	}
}

func TestReadReplyUsage(t *testing.T) {
	input := "520-Invalid command syntax.  Proper usage follows:\n" +
		"Usage: GET FULL VARIABLE <variablename> [<channel name>]\n" +
		"520 End of proper usage.\n"

	r, err := readReply(bufio.NewReader(strings.NewReader(input)))
	if err != nil {
		t.Fatalf("readReply() error: %v", err)
	}
	if r.Code != 520 || r.OK() {
		t.Errorf("Code = %d, want 520", r.Code)
	}
	if strings.Count(r.Raw, "\n") != 2 {
		t.Errorf("Raw = %q, want all three lines", r.Raw)
	}
}

func TestReadReplyHangup(t *testing.T) {
	_, err := readReply(bufio.NewReader(strings.NewReader("HANGUP\n")))
	if !errors.Is(err, ErrHangup) {
		t.Errorf("readReply() error = %v, want ErrHangup", err)
	}
}

func TestQuote(t *testing.T) {
	if got := quote(`say "hi" \o/`); got != `"say \"hi\" \\o/"` {
		t.Errorf("quote() = %s", got)
	}
}
