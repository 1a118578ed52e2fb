package nodetest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Reply types understood by writeReply. Plain strings are written as bulk
// strings, nil as the nil bulk string.
type (
	// Status is a simple string reply
	Status string
	// Error is an error reply, it must not contain CR or LF
	Error string
	// nilArray is the nil multi bulk reply of an aborted transaction
	nilArray struct{}
)

var (
	errProtocol = errors.New("nodetest: protocol error")
	replyOK     = Status("OK")
)

// readRequest reads one command sent as an array of bulk strings
func readRequest(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("%w: expected array, got %q", errProtocol, prefix)
	}
	n, err := readLength(r)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("%w: empty request", errProtocol)
	}

	argv := make([]string, n)
	for i := range argv {
		if prefix, err = r.ReadByte(); err != nil {
			return nil, err
		}
		if prefix != '$' {
			return nil, fmt.Errorf("%w: expected bulk string, got %q", errProtocol, prefix)
		}
		size, err := readLength(r)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		argv[i] = string(buf[:size])
	}
	return argv, nil
}

// readLength reads a decimal length terminated by CRLF
func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return 0, err
	}
	if len(line) < 3 || line[len(line)-2] != '\r' {
		return 0, fmt.Errorf("%w: malformed length line", errProtocol)
	}
	n, err := strconv.Atoi(string(line[:len(line)-2]))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid length %q", errProtocol, line[:len(line)-2])
	}
	return n, nil
}

// writeReply encodes v. Nested arrays may mix all supported types.
func writeReply(w *bufio.Writer, v interface{}) error {
	switch v := v.(type) {
	case nil:
		_, err := w.WriteString("$-1\r\n")
		return err
	case nilArray:
		_, err := w.WriteString("*-1\r\n")
		return err
	case Status:
		return writeLine(w, '+', string(v))
	case Error:
		return writeLine(w, '-', string(v))
	case int:
		return writeLine(w, ':', strconv.Itoa(v))
	case int64:
		return writeLine(w, ':', strconv.FormatInt(v, 10))
	case bool:
		if v {
			return writeLine(w, ':', "1")
		}
		return writeLine(w, ':', "0")
	case string:
		if err := writeLine(w, '$', strconv.Itoa(len(v))); err != nil {
			return err
		}
		return writeLine(w, 0, v)
	case []string:
		if err := writeLine(w, '*', strconv.Itoa(len(v))); err != nil {
			return err
		}
		for _, s := range v {
			if err := writeReply(w, s); err != nil {
				return err
			}
		}
		return nil
	case []interface{}:
		if err := writeLine(w, '*', strconv.Itoa(len(v))); err != nil {
			return err
		}
		for _, e := range v {
			if err := writeReply(w, e); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("nodetest: cannot encode %T", v)
	}
}

func writeLine(w *bufio.Writer, prefix byte, s string) error {
	if prefix != 0 {
		if err := w.WriteByte(prefix); err != nil {
			return err
		}
	}
	if _, err := w.WriteString(s); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}
