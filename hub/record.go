package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/juju/errors"
)

var ErrRecordNotObject = fmt.Errorf("user record must be JSON object")

// FlattenRecord converts user record JSON object into comma joined row.
// Top level values are taken in document order. Object or array values
// contribute their direct children in order, top level null contributes nothing.
// Strings are raw, numbers and booleans as written, nested null is "null".
// Anything nested deeper than one level is rendered as compact JSON.
// No escaping is done, commas inside values are passed through.
func FlattenRecord(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return "", errors.Annotate(err, "flatten record")
	}
	if tok != json.Delim('{') {
		return "", ErrRecordNotObject
	}

	parts := make([]string, 0, 32)
	for dec.More() {
		if _, err = dec.Token(); err != nil { // key
			return "", errors.Annotate(err, "flatten record key")
		}
		var value json.RawMessage
		if err = dec.Decode(&value); err != nil {
			return "", errors.Annotate(err, "flatten record value")
		}
		if parts, err = appendTop(parts, value); err != nil {
			return "", errors.Annotate(err, "flatten record value")
		}
	}
	if _, err = dec.Token(); err != nil { // closing }
		return "", errors.Annotate(err, "flatten record")
	}
	if _, err = dec.Token(); err != io.EOF {
		return "", errors.Errorf("flatten record: trailing data after object")
	}
	return strings.Join(parts, ","), nil
}

func appendTop(parts []string, value json.RawMessage) ([]string, error) {
	switch firstByte(value) {
	case 'n':
		return parts, nil
	case '{', '[':
		return appendChildren(parts, value)
	}
	s, err := valueText(value)
	if err != nil {
		return nil, err
	}
	return append(parts, s), nil
}

func appendChildren(parts []string, value json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	open, err := dec.Token()
	if err != nil {
		return nil, err
	}
	for dec.More() {
		if open == json.Delim('{') {
			if _, err = dec.Token(); err != nil {
				return nil, err
			}
		}
		var child json.RawMessage
		if err = dec.Decode(&child); err != nil {
			return nil, err
		}
		s, err := valueText(child)
		if err != nil {
			return nil, err
		}
		parts = append(parts, s)
	}
	return parts, nil
}

func valueText(value json.RawMessage) (string, error) {
	switch firstByte(value) {
	case '"':
		var s string
		err := json.Unmarshal(value, &s)
		return s, err
	case '{', '[':
		var buf bytes.Buffer
		err := json.Compact(&buf, value)
		return buf.String(), err
	}
	return string(bytes.TrimSpace(value)), nil
}

func firstByte(b []byte) byte {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return 0
	}
	return b[0]
}
