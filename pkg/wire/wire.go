// Package wire implements skald's line-oriented request/response codec: a
// method line, ordered "Name: value" headers, a blank line, and an optional
// body whose length is given by a Content-Length header.
package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/skald-db/skald/pkg/command"
)

// ErrIncomplete indicates the reader hit EOF or a read error before a full
// request was available. Bytes consumed before the error are not put back,
// so retrying on the same reader does not recover that request. A caller
// should deserialize exactly one request at a time; on success the rest of
// the buffer is left untouched for the next read.
var ErrIncomplete = fmt.Errorf("wire: incomplete request")

// ReadMessage attempts to parse exactly one message from r. It returns
// ErrIncomplete if r fails or is exhausted before a full message is
// available; the bytes consumed up to that point are discarded.
func ReadMessage(r *bufio.Reader) (command.Message, error) {
	var msg command.Message

	line, err := readLine(r)
	if err != nil {
		return msg, err
	}
	msg.MethodLine = line

	contentLength := 0
	for {
		line, err := readLine(r)
		if err != nil {
			return msg, err
		}
		if line == "" {
			break // blank line ends the header block
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			name, value, ok = strings.Cut(line, ":")
			if !ok {
				return msg, fmt.Errorf("wire: malformed header %q", line)
			}
			value = strings.TrimSpace(value)
		}
		msg.Headers = append(msg.Headers, command.Header{Name: name, Value: value})
		if strings.EqualFold(name, "Content-Length") {
			contentLength, err = strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return msg, fmt.Errorf("wire: bad Content-Length: %w", err)
			}
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := readFull(r, body); err != nil {
			return msg, err
		}
		msg.Body = body
	}

	return msg, nil
}

// readLine reads up to and excluding the next "\n", tolerating an optional
// preceding "\r", and returns ErrIncomplete for any read error, io.EOF
// included.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", ErrIncomplete
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, ErrIncomplete
		}
	}
	return n, nil
}

// WriteMessage serializes msg onto w in skald's wire format.
func WriteMessage(w *bufio.Writer, msg command.Message) error {
	if _, err := w.WriteString(msg.MethodLine); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}

	headers := msg.Headers
	hasLength := false
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			hasLength = true
		}
	}
	if !hasLength && len(msg.Body) > 0 {
		headers = append(headers, command.Header{Name: "Content-Length", Value: strconv.Itoa(len(msg.Body))})
	}

	for _, h := range headers {
		if _, err := fmt.Fprintf(w, "%s: %s\n", h.Name, h.Value); err != nil {
			return err
		}
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	if len(msg.Body) > 0 {
		if _, err := w.Write(msg.Body); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Encode is a convenience wrapper returning the serialized bytes for msg,
// used by tests and by callers that need the bytes without an io.Writer.
func Encode(msg command.Message) []byte {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	_ = WriteMessage(bw, msg)
	return buf.Bytes()
}

// Status builds a response Message with the given status-coded method line
// and no body, e.g. Status("202 Successfully queued").
func Status(methodLine string) command.Message {
	return command.Message{MethodLine: methodLine}
}
