// Package dataxfr implements the binary transfer envelope used when a
// client negotiates text/data-xfr. The format is a magic line followed by
// length-prefixed sections:
//
//	@XFR/1.0\n
//	head <n>\n
//	<n bytes>\n
//	body <m>\n
//	<m bytes>\n
//
// Section bytes are JSON. The body section is optional.
package dataxfr

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ContentType is the negotiated media type for the envelope.
const ContentType = "text/data-xfr"

const magic = "@XFR/1.0"

// Encode renders head and body JSON into a transfer envelope. A nil body
// omits the body section.
func Encode(head, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteByte('\n')
	writeSection(&buf, "head", head)
	if body != nil {
		writeSection(&buf, "body", body)
	}
	return buf.Bytes()
}

func writeSection(buf *bytes.Buffer, name string, data []byte) {
	fmt.Fprintf(buf, "%s %d\n", name, len(data))
	buf.Write(data)
	buf.WriteByte('\n')
}

// Decode parses a transfer envelope back into its head and body JSON. The
// body is nil when the section is absent.
func Decode(r io.Reader) (head, body []byte, _ error) {
	br := bufio.NewReader(r)
	line, err := readLine(br)
	if err != nil {
		return nil, nil, err
	}
	if line != magic {
		return nil, nil, fmt.Errorf("dataxfr: bad magic %q", line)
	}
	for {
		line, err := readLine(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		name, lenStr, ok := strings.Cut(line, " ")
		if !ok {
			return nil, nil, fmt.Errorf("dataxfr: bad section header %q", line)
		}
		n, err := strconv.Atoi(lenStr)
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("dataxfr: bad section length %q", lenStr)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(br, data); err != nil {
			return nil, nil, fmt.Errorf("dataxfr: truncated section %s: %w", name, err)
		}
		if c, err := br.ReadByte(); err != nil || c != '\n' {
			return nil, nil, fmt.Errorf("dataxfr: section %s not newline terminated", name)
		}
		switch name {
		case "head":
			head = data
		case "body":
			body = data
		default:
			return nil, nil, fmt.Errorf("dataxfr: unknown section %q", name)
		}
	}
	if head == nil {
		return nil, nil, fmt.Errorf("dataxfr: missing head section")
	}
	return head, body, nil
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return "", io.EOF
		}
		return "", fmt.Errorf("dataxfr: %w", err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}
