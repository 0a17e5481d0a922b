/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package jsonrpc

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

const (
	headerSeparator   = "\r\n"
	headerTerminator  = "\r\n\r\n"
	contentLengthName = "content-length"
	contentTypeName   = "content-type"

	// Header blocks longer than this without a terminator are considered garbage.
	maxHeaderBlockSize = 8 * 1024

	ContentType = "application/vscode-jsonrpc; charset=utf-8"
)

// FrameBuffer accumulates bytes read from a stream and splits them into frame bodies.
// It is not safe for concurrent use.
type FrameBuffer struct {
	buf []byte
}

// Feed appends freshly read bytes.
func (fb *FrameBuffer) Feed(p []byte) {
	fb.buf = append(fb.buf, p...)
}

// Buffered returns the number of bytes not yet consumed.
func (fb *FrameBuffer) Buffered() int {
	return len(fb.buf)
}

// Next returns the next complete frame body, transcoded to UTF-8.
// It returns ok == false if more data is needed.
// A *FramingError means the current header block was malformed and has been discarded;
// calling Next again continues with whatever follows it.
func (fb *FrameBuffer) Next() (body []byte, ok bool, err error) {
	headerEnd := bytes.Index(fb.buf, []byte(headerTerminator))
	if headerEnd < 0 {
		if len(fb.buf) > maxHeaderBlockSize {
			fb.buf = nil
			return nil, false, &FramingError{Reason: "header block too long"}
		}
		return nil, false, nil
	}

	bodyStart := headerEnd + len(headerTerminator)
	length, charset, headerErr := parseHeaders(string(fb.buf[:headerEnd]))
	if headerErr != nil {
		fb.consume(bodyStart)
		return nil, false, headerErr
	}

	if len(fb.buf)-bodyStart < length {
		return nil, false, nil
	}

	raw := fb.buf[bodyStart : bodyStart+length]
	body, decodeErr := toUTF8(raw, charset)
	fb.consume(bodyStart + length)
	if decodeErr != nil {
		return nil, false, decodeErr
	}
	return body, true, nil
}

func (fb *FrameBuffer) consume(n int) {
	remaining := len(fb.buf) - n
	if remaining == 0 {
		fb.buf = fb.buf[:0]
		return
	}
	// Copy so the backing array of a large frame is not retained.
	rest := make([]byte, remaining)
	copy(rest, fb.buf[n:])
	fb.buf = rest
}

func parseHeaders(block string) (int, string, error) {
	length := -1
	charset := ""

	for _, line := range strings.Split(block, headerSeparator) {
		if line == "" {
			continue
		}

		name, value, found := strings.Cut(line, ":")
		if !found {
			return 0, "", &FramingError{Reason: fmt.Sprintf("malformed header line %q", line)}
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(name)) {
		case contentLengthName:
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return 0, "", &FramingError{Reason: fmt.Sprintf("invalid Content-Length %q", value)}
			}
			length = n
		case contentTypeName:
			if _, params, err := mime.ParseMediaType(value); err == nil {
				charset = params["charset"]
			}
		}
	}

	if length < 0 {
		return 0, "", &FramingError{Reason: "missing Content-Length header"}
	}
	return length, charset, nil
}

func toUTF8(raw []byte, charset string) ([]byte, error) {
	body := make([]byte, len(raw))
	copy(body, raw)

	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8":
		return body, nil
	}

	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil || enc == nil {
		return nil, &FramingError{Reason: fmt.Sprintf("unsupported charset %q", charset)}
	}

	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, &FramingError{Reason: fmt.Sprintf("body is not valid %s: %v", charset, err)}
	}
	return decoded, nil
}

// WriteFrame writes body preceded by the frame header.
func WriteFrame(w io.Writer, body []byte) error {
	var frame bytes.Buffer
	frame.Grow(len(body) + 96)
	fmt.Fprintf(&frame, "Content-Length: %d%sContent-Type: %s%s", len(body), headerSeparator, ContentType, headerTerminator)
	frame.Write(body)

	_, err := w.Write(frame.Bytes())
	return err
}
