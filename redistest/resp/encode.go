package resp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrInvalidValue is returned if the value to encode has no RESP
// representation.
var ErrInvalidValue = errors.New("resp: invalid value")

// Error is an error reply. It cannot contain \r or \n characters.
type Error string

// SimpleString is a status reply. It cannot contain \r or \n characters.
// Go strings and byte slices are encoded as bulk strings.
type SimpleString string

// Array is an array of values. A nil Array is encoded as the nil array.
type Array []interface{}

// String is the Stringer implementation for the Array.
func (a Array) String() string {
	var buf []byte
	for i, v := range a {
		buf = fmt.Appendf(buf, "[%2d] %[2]v (%[2]T)\n", i, v)
	}
	return string(buf)
}

// OK is the "+OK" status reply.
const OK = SimpleString("OK")

// Pong is the "+PONG" status reply.
const Pong = SimpleString("PONG")

// Encoder writes RESP values to an output stream.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder returns an Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes the RESP encoding of v to the stream and flushes it. The
// supported types are nil (nil bulk string), bool (as integer 0 or 1), int,
// int64, string, []byte, SimpleString, Error, error (as an error reply),
// []string and Array.
func (e *Encoder) Encode(v interface{}) error {
	if err := e.encode(v); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Encoder) encode(v interface{}) error {
	switch v := v.(type) {
	case nil:
		return e.line('$', "-1")
	case bool:
		if v {
			return e.line(':', "1")
		}
		return e.line(':', "0")
	case int:
		return e.line(':', strconv.Itoa(v))
	case int64:
		return e.line(':', strconv.FormatInt(v, 10))
	case SimpleString:
		return e.line('+', string(v))
	case Error:
		return e.line('-', string(v))
	case error:
		return e.line('-', v.Error())
	case string:
		return e.bulk(v)
	case []byte:
		return e.bulk(string(v))
	case []string:
		if v == nil {
			return e.line('*', "-1")
		}
		if err := e.line('*', strconv.Itoa(len(v))); err != nil {
			return err
		}
		for _, s := range v {
			if err := e.bulk(s); err != nil {
				return err
			}
		}
		return nil
	case []interface{}:
		return e.array(Array(v))
	case Array:
		return e.array(v)
	default:
		return ErrInvalidValue
	}
}

func (e *Encoder) array(v Array) error {
	if v == nil {
		return e.line('*', "-1")
	}
	if err := e.line('*', strconv.Itoa(len(v))); err != nil {
		return err
	}
	for _, el := range v {
		if err := e.encode(el); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) bulk(s string) error {
	if err := e.line('$', strconv.Itoa(len(s))); err != nil {
		return err
	}
	e.w.WriteString(s)
	_, err := e.w.WriteString("\r\n")
	return err
}

func (e *Encoder) line(prefix byte, s string) error {
	e.w.WriteByte(prefix)
	e.w.WriteString(s)
	_, err := e.w.WriteString("\r\n")
	return err
}
