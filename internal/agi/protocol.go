// Package agi serves routing queries from Asterisk over FastAGI. Every
// connection is authenticated with a SHA1 challenge before any routing
// command is sent back.
package agi

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// maxEnvLines bounds the request environment a peer may send.
	maxEnvLines = 256
	// maxLineSize bounds a single environment or reply line. It is also the
	// size of the session's read buffer.
	maxLineSize = 8 << 10
)

var (
	// ErrHangup is returned when the channel hung up while a command was pending.
	ErrHangup = errors.New("agi: channel hung up")
	// ErrLineTooLong is returned when a line does not fit in maxLineSize.
	ErrLineTooLong = errors.New("agi: line too long")
)

// Request is the environment Asterisk sends when a FastAGI session starts.
type Request struct {
	env map[string]string
}

// readRequest parses "agi_key: value" lines up to the first empty line.
func readRequest(r *bufio.Reader) (*Request, error) {
	req := &Request{env: make(map[string]string)}
	for i := 0; ; i++ {
		if i >= maxEnvLines {
			return nil, fmt.Errorf("agi: request environment exceeds %d lines", maxEnvLines)
		}
		line, err := readLine(r)
		if err != nil {
			return nil, fmt.Errorf("reading agi environment: %w", err)
		}
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("agi: malformed environment line %q", line)
		}
		req.env[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if len(req.env) == 0 {
		return nil, errors.New("agi: empty request environment")
	}
	return req, nil
}

// Get returns an environment variable, e.g. "agi_channel".
func (r *Request) Get(key string) string {
	return r.env[key]
}

// Script returns the FastAGI script name without leading slash or query
// string: agi://host/call_forward?x=1 yields "call_forward".
func (r *Request) Script() string {
	s := r.env["agi_network_script"]
	if s == "" {
		s = r.env["agi_request"]
		if i := strings.Index(s, "://"); i >= 0 {
			s = s[i+3:]
			if j := strings.IndexByte(s, '/'); j >= 0 {
				s = s[j:]
			} else {
				s = ""
			}
		}
	}
	s = strings.TrimPrefix(s, "/")
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	return s
}

// Arg returns the zero-based custom argument i (agi_arg_<i+1>).
func (r *Request) Arg(i int) (string, bool) {
	v, ok := r.env["agi_arg_"+strconv.Itoa(i+1)]
	return v, ok
}

// Reply is the parsed response to an AGI command.
type Reply struct {
	Code   int
	Result string // value of result=, empty when absent
	Data   string // trailing text, parentheses included
	Raw    string
}

// OK reports a 200 status.
func (r Reply) OK() bool {
	return r.Code == 200
}

// readReply reads one command response. 520 usage replies span several lines
// and are folded into Raw.
func readReply(r *bufio.Reader) (Reply, error) {
	line, err := readLine(r)
	if err != nil {
		return Reply{}, fmt.Errorf("reading agi reply: %w", err)
	}
	if strings.HasPrefix(line, "HANGUP") {
		return Reply{}, ErrHangup
	}

	if strings.HasPrefix(line, "520-") {
		raw := []string{line}
		for {
			next, err := readLine(r)
			if err != nil {
				return Reply{}, fmt.Errorf("reading agi usage reply: %w", err)
			}
			raw = append(raw, next)
			if strings.HasPrefix(next, "520 ") {
				break
			}
		}
		return Reply{Code: 520, Raw: strings.Join(raw, "\n")}, nil
	}

	return parseReply(line)
}

// parseReply parses a single-line reply such as "200 result=1 (abc)".
func parseReply(line string) (Reply, error) {
	codeStr, rest, _ := strings.Cut(line, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || len(codeStr) != 3 {
		return Reply{}, fmt.Errorf("agi: malformed reply %q", line)
	}
	reply := Reply{Code: code, Raw: line}

	rest = strings.TrimSpace(rest)
	if v, ok := strings.CutPrefix(rest, "result="); ok {
		result, data, _ := strings.Cut(v, " ")
		reply.Result = result
		reply.Data = strings.TrimSpace(data)
	} else {
		reply.Data = rest
	}
	return reply, nil
}

// readLine returns the next line without its terminator. Lines longer than
// the reader's buffer fail with ErrLineTooLong instead of growing memory.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", ErrLineTooLong
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// quote renders an AGI command argument.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
