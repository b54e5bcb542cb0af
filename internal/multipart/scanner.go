// Package multipart is a tolerant scanner for the multipart/form-data and
// multipart/mixed bodies emitted by access-control devices. Firmwares are
// sloppy: header separators vary between CRLF and bare LF, parts arrive with
// no headers at all, and keep-alive frames are boundary markers around empty
// bodies. The net/http multipart reader rejects most of this, so the bridge
// scans by hand.
package multipart

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// PartType classifies a part for downstream routing.
type PartType string

const (
	TypeXML     PartType = "xml"
	TypeJSON    PartType = "json"
	TypeImage   PartType = "image"
	TypeUnknown PartType = "unknown"
)

// Part is a single multipart segment with lowercased header names.
type Part struct {
	Headers map[string]string
	Body    []byte
	Type    PartType
}

// Parse splits body on "--"+boundary and returns the non-empty parts in
// order. Parts with an empty body are keep-alive filler and are dropped.
func Parse(body []byte, boundary string) []Part {
	if boundary == "" || len(body) == 0 {
		return nil
	}

	delim := []byte("--" + boundary)
	segments := bytes.Split(body, delim)

	var parts []Part
	for _, seg := range segments {
		if len(seg) == 0 || bytes.HasPrefix(seg, []byte("--")) {
			// preamble or closing marker
			continue
		}

		seg = trimLeadingNewline(seg)
		seg = trimTrailingMarker(seg)
		if len(bytes.TrimSpace(seg)) == 0 {
			continue
		}

		headers, payload := splitHeaders(seg)
		if len(bytes.TrimSpace(payload)) == 0 {
			continue
		}

		parts = append(parts, Part{
			Headers: headers,
			Body:    payload,
			Type:    DetectType(headers["content-type"], payload),
		})
	}
	return parts
}

// splitHeaders separates the header block from the body. Devices use
// \r\n\r\n or \n\n; a segment with neither is treated as a headerless body.
func splitHeaders(seg []byte) (map[string]string, []byte) {
	sepLen := 4
	idx := bytes.Index(seg, []byte("\r\n\r\n"))
	if idx == -1 {
		idx = bytes.Index(seg, []byte("\n\n"))
		sepLen = 2
	}
	if idx == -1 {
		return map[string]string{}, bytes.Trim(seg, "\r\n")
	}

	headers := parseHeaderBlock(seg[:idx])
	payload := seg[idx+sepLen:]
	if bytes.HasSuffix(payload, []byte("\r\n")) {
		payload = payload[:len(payload)-2]
	} else if bytes.HasSuffix(payload, []byte("\n")) {
		payload = payload[:len(payload)-1]
	}
	return headers, payload
}

func parseHeaderBlock(blob []byte) map[string]string {
	headers := make(map[string]string)
	normalized := bytes.ReplaceAll(blob, []byte("\r\n"), []byte("\n"))
	for _, line := range bytes.Split(normalized, []byte("\n")) {
		k, v, found := bytes.Cut(line, []byte(":"))
		if !found {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(string(k)))
		headers[key] = strings.TrimSpace(string(v))
	}
	return headers
}

func trimLeadingNewline(seg []byte) []byte {
	if bytes.HasPrefix(seg, []byte("\r\n")) {
		return seg[2:]
	}
	if bytes.HasPrefix(seg, []byte("\n")) {
		return seg[1:]
	}
	return seg
}

func trimTrailingMarker(seg []byte) []byte {
	if bytes.HasSuffix(seg, []byte("--")) {
		seg = seg[:len(seg)-2]
	}
	if bytes.HasSuffix(seg, []byte("\r\n")) {
		seg = seg[:len(seg)-2]
	} else if bytes.HasSuffix(seg, []byte("\n")) {
		seg = seg[:len(seg)-1]
	}
	return seg
}

// DetectType classifies a part from its Content-Type header, falling back to
// sniffing the payload when the header is absent or unhelpful.
func DetectType(contentType string, body []byte) PartType {
	if contentType != "" {
		ct := strings.ToLower(contentType)
		switch {
		case strings.Contains(ct, "xml"):
			return TypeXML
		case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"), strings.HasPrefix(ct, "image/"):
			return TypeImage
		case strings.Contains(ct, "json"):
			return TypeJSON
		}
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return TypeUnknown
	}
	if trimmed[0] == '<' {
		return TypeXML
	}
	if utf8.Valid(trimmed) && (trimmed[0] == '{' || trimmed[0] == '[') {
		return TypeJSON
	}
	return TypeUnknown
}

// ParseContentType splits a Content-Type header value into mime and params,
// e.g. "multipart/form-data; boundary=abc" -> ("multipart/form-data",
// {"boundary": "abc"}).
func ParseContentType(value string) (string, map[string]string) {
	params := make(map[string]string)
	if value == "" {
		return "", params
	}
	fields := strings.Split(value, ";")
	mime := strings.ToLower(strings.TrimSpace(fields[0]))
	for _, f := range fields[1:] {
		k, v, found := strings.Cut(f, "=")
		if !found {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return mime, params
}

// ParseContentDisposition parses a Content-Disposition value into its
// parameters with lowercased keys (name, filename).
func ParseContentDisposition(value string) map[string]string {
	out := make(map[string]string)
	if value == "" {
		return out
	}
	fields := strings.Split(value, ";")
	for _, f := range fields[1:] {
		k, v, found := strings.Cut(f, "=")
		if !found {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return out
}
