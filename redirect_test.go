package clustercache

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRedisError(t *testing.T) {
	err := error(redis.Error("CROSSSLOT some message"))
	assert.True(t, IsCrossSlot(err), "CrossSlot")
	assert.False(t, IsTryAgain(err), "CrossSlot")
	err = redis.Error("TRYAGAIN some message")
	assert.False(t, IsCrossSlot(err), "TryAgain")
	assert.True(t, IsTryAgain(err), "TryAgain")
	err = redis.Error("TRYAGAIN")
	assert.True(t, IsTryAgain(err), "TryAgain alone")
	err = io.EOF
	assert.False(t, IsCrossSlot(err), "EOF")
	assert.False(t, IsTryAgain(err), "EOF")
	err = redis.Error("ERR some error")
	assert.False(t, IsCrossSlot(err), "ERR")
	assert.False(t, IsTryAgain(err), "ERR")
}

func TestParseRedirect(t *testing.T) {
	cases := []struct {
		in   error
		ask  bool
		slot int
		addr string
	}{
		{redis.Error("MOVED 3999 127.0.0.1:6381"), false, 3999, "127.0.0.1:6381"},
		{redis.Error("ASK 1234 :7000"), true, 1234, ":7000"},
		{fmt.Errorf("wrapped: %w", redis.Error("MOVED 0 10.0.0.1:7001")), false, 0, "10.0.0.1:7001"},
		{redis.Error("MOVED 16384 127.0.0.1:6381"), false, -1, ""},
		{redis.Error("MOVED x 127.0.0.1:6381"), false, -1, ""},
		{redis.Error("MOVED 12 nope"), false, -1, ""},
		{redis.Error("ERR MOVED 12 127.0.0.1:1"), false, -1, ""},
		{io.EOF, false, -1, ""},
		{nil, false, -1, ""},
	}

	for _, c := range cases {
		re := ParseRedirect(c.in)
		if c.slot < 0 {
			assert.Nil(t, re, "%v", c.in)
			continue
		}
		if assert.NotNil(t, re, "%v", c.in) {
			assert.Equal(t, c.ask, re.Ask, "%v", c.in)
			assert.Equal(t, c.slot, re.NewSlot, "%v", c.in)
			assert.Equal(t, c.addr, re.Endpoint.Addr(), "%v", c.in)
			assert.Equal(t, RolePrimary, re.Endpoint.Role, "%v", c.in)
		}
	}
}

func TestParseRedirectWrapped(t *testing.T) {
	re := ParseRedirect(redis.Error("ASK 5 127.0.0.1:7000"))
	require.NotNil(t, re)
	assert.Equal(t, "ASK", re.Type())

	err := &OpError{Op: "GET", Kind: ErrRoutingExhausted, Err: re}
	got := ParseRedirect(err)
	assert.Same(t, re, got)
	assert.True(t, errors.Is(err, ErrRoutingExhausted))
}
