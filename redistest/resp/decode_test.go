package resp

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	cases := []struct {
		in  string
		val interface{}
		err error
	}{
		{"+\r\n", SimpleString(""), nil},
		{"+OK\r\n", SimpleString("OK"), nil},
		{"-\r\n", Error(""), nil},
		{"-MOVED 3999 127.0.0.1:6381\r\n", Error("MOVED 3999 127.0.0.1:6381"), nil},
		{":1\r\n", int64(1), nil},
		{":-123\r\n", int64(-123), nil},
		{"$0\r\n\r\n", "", nil},
		{"$24\r\nceci n'est pas un string\r\n", "ceci n'est pas un string", nil},
		{"$12\r\nline\r\nbreaks\r\n", "line\r\nbreaks", nil},
		{"$-1\r\n", nil, nil},
		{"*0\r\n", Array{}, nil},
		{"*-1\r\n", Array(nil), nil},
		{"*3\r\n+string\r\n-error\r\n:-2345\r\n", Array{SimpleString("string"), Error("error"), int64(-2345)}, nil},
		{"*2\r\n$4\r\nallo\r\n*2\r\n$0\r\n\r\n$-1\r\n", Array{"allo", Array{"", nil}}, nil},

		{"", nil, io.EOF},
		{"+no crlf", nil, io.EOF},
		{":123\n", nil, ErrMissingCRLF},
		{":123a\r\n", nil, ErrInvalidInteger},
		{":-1-3\r\n", nil, ErrInvalidInteger},
		{"$6\r\nabc\r\n", nil, io.ErrUnexpectedEOF},
		{"$3\r\nabcd\r\n", nil, ErrMissingCRLF},
		{"$-3\r\n", nil, ErrInvalidBulkString},
		{"*-3\r\n", nil, ErrInvalidArray},
		{"*1\r\n:10\n", nil, ErrMissingCRLF},
		{"!3\r\n", nil, ErrInvalidPrefix},
	}

	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(c.in))
			v, err := dec.Decode()
			if c.err != nil {
				assert.ErrorIs(t, err, c.err)
				return
			}
			if assert.NoError(t, err) {
				assert.Equal(t, c.val, v)
			}
		})
	}
}

func TestDecodeRequest(t *testing.T) {
	cases := []struct {
		in  string
		exp []string
		err error
	}{
		{"*-1\r\n", nil, ErrInvalidRequest},
		{":4\r\n", nil, ErrInvalidRequest},
		{"*0\r\n", nil, ErrInvalidRequest},
		{"*1\r\n:6\r\n", nil, ErrInvalidRequest},
		{"*1\r\n$4\r\nPING\r\n", []string{"PING"}, nil},
		{"*5\r\n$3\r\nSET\r\n$2\r\nk1\r\n$2\r\nv1\r\n$2\r\nPX\r\n$6\r\n120000\r\n",
			[]string{"SET", "k1", "v1", "PX", "120000"}, nil},
	}

	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(c.in))
			parts, err := dec.DecodeRequest()
			if c.err != nil {
				assert.ErrorIs(t, err, c.err)
				return
			}
			if assert.NoError(t, err) {
				assert.Equal(t, c.exp, parts)
			}
		})
	}
}

func TestDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, v := range []interface{}{OK, int64(3), "abc", nil, Array{"a", int64(1)}} {
		assert.NoError(t, enc.Encode(v))
	}

	dec := NewDecoder(&buf)
	for _, want := range []interface{}{OK, int64(3), "abc", nil, Array{"a", int64(1)}} {
		v, err := dec.Decode()
		if assert.NoError(t, err) {
			assert.Equal(t, want, v)
		}
	}
	_, err := dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}
