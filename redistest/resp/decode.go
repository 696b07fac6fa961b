// Package resp implements a small encoder and decoder for the Redis
// Serialization Protocol (RESP), enough to write mock redis servers.
//
// See http://redis.io/topics/protocol for the reference.
package resp

import (
	"bufio"
	"errors"
	"io"
	"strconv"
)

var (
	// ErrInvalidPrefix is returned if the data contains an unrecognized prefix.
	ErrInvalidPrefix = errors.New("resp: invalid prefix")

	// ErrMissingCRLF is returned if a line does not end with \r\n.
	ErrMissingCRLF = errors.New("resp: missing CRLF")

	// ErrInvalidInteger is returned if an integer or length cannot be parsed.
	ErrInvalidInteger = errors.New("resp: invalid integer")

	// ErrInvalidBulkString is returned if the bulk string data cannot be decoded.
	ErrInvalidBulkString = errors.New("resp: invalid bulk string")

	// ErrInvalidArray is returned if the array data cannot be decoded.
	ErrInvalidArray = errors.New("resp: invalid array")

	// ErrInvalidRequest is returned by DecodeRequest if the decoded value is
	// not an array of at least one bulk string.
	ErrInvalidRequest = errors.New("resp: invalid request, must be an array of bulk strings with at least one element")
)

// Decoder reads RESP values from an input stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// DecodeRequest decodes the next value, which must be a command sent by a
// client, and returns its parts.
func (d *Decoder) DecodeRequest() ([]string, error) {
	v, err := d.Decode()
	if err != nil {
		return nil, err
	}
	ar, ok := v.(Array)
	if !ok || len(ar) == 0 {
		return nil, ErrInvalidRequest
	}

	parts := make([]string, len(ar))
	for i, v := range ar {
		s, ok := v.(string)
		if !ok {
			return nil, ErrInvalidRequest
		}
		parts[i] = s
	}
	return parts, nil
}

// Decode decodes the next value. Simple strings decode as SimpleString,
// errors as Error, integers as int64, bulk strings as string (nil for the
// nil bulk string) and arrays as Array (nil Array for the nil array).
func (d *Decoder) Decode() (interface{}, error) {
	prefix, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := d.line()
	if err != nil {
		return nil, err
	}

	switch prefix {
	case '+':
		return SimpleString(line), nil
	case '-':
		return Error(line), nil
	case ':':
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, ErrInvalidInteger
		}
		return n, nil
	case '$':
		return d.bulk(line)
	case '*':
		return d.array(line)
	default:
		return nil, ErrInvalidPrefix
	}
}

func (d *Decoder) bulk(slen string) (interface{}, error) {
	n, err := strconv.Atoi(slen)
	if err != nil {
		return nil, ErrInvalidInteger
	}
	switch {
	case n == -1:
		return nil, nil
	case n < -1:
		return nil, ErrInvalidBulkString
	}

	buf := make([]byte, n+2)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, err
	}
	if buf[n] != '\r' || buf[n+1] != '\n' {
		return nil, ErrMissingCRLF
	}
	return string(buf[:n]), nil
}

func (d *Decoder) array(slen string) (interface{}, error) {
	n, err := strconv.Atoi(slen)
	if err != nil {
		return nil, ErrInvalidInteger
	}
	switch {
	case n == -1:
		return Array(nil), nil
	case n < -1:
		return nil, ErrInvalidArray
	}

	ar := make(Array, n)
	for i := range ar {
		if ar[i], err = d.Decode(); err != nil {
			return nil, err
		}
	}
	return ar, nil
}

// line reads up to the next \r\n and returns the line without it.
func (d *Decoder) line() (string, error) {
	b, err := d.r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", ErrMissingCRLF
		}
		return "", err
	}
	if len(b) < 2 || b[len(b)-2] != '\r' {
		return "", ErrMissingCRLF
	}
	return string(b[:len(b)-2]), nil
}
