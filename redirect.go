package clustercache

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gomodule/redigo/redis"
)

// RedirectError is the error returned when a node replies with a MOVED or
// ASK redirection for a key.
type RedirectError struct {
	// Ask is true for an ASK redirection (the slot is being migrated and
	// only this request should go to the target), false for MOVED.
	Ask bool
	// NewSlot is the slot number of the redirection.
	NewSlot int
	// Endpoint is the node that holds the slot.
	Endpoint Endpoint

	raw string
}

// Type returns "ASK" or "MOVED".
func (e *RedirectError) Type() string {
	if e.Ask {
		return "ASK"
	}
	return "MOVED"
}

func (e *RedirectError) Error() string {
	return e.raw
}

// ParseRedirect returns the *RedirectError held by err, or parses err if it
// is a redis error reply with a MOVED or ASK redirection. It returns nil
// otherwise.
func ParseRedirect(err error) *RedirectError {
	var re *RedirectError
	if errors.As(err, &re) {
		return re
	}

	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return nil
	}
	parts := strings.Fields(string(rerr))
	if len(parts) != 3 || (parts[0] != "MOVED" && parts[0] != "ASK") {
		return nil
	}
	slot, err := strconv.Atoi(parts[1])
	if err != nil || slot < 0 || slot >= HashSlots {
		return nil
	}
	ep, err := ParseEndpoint(parts[2], RolePrimary)
	if err != nil {
		return nil
	}
	return &RedirectError{
		Ask:      parts[0] == "ASK",
		NewSlot:  slot,
		Endpoint: ep,
		raw:      string(rerr),
	}
}

// IsTryAgain returns true if the error is a redis cluster error of type
// TRYAGAIN, meaning that the command is valid, but the cluster is in an
// unstable state and it can't complete the request at the moment.
func IsTryAgain(err error) bool {
	return hasErrorPrefix(err, "TRYAGAIN")
}

// IsCrossSlot returns true if the error is a redis cluster error of type
// CROSSSLOT, meaning that a command was sent with keys from different
// slots.
func IsCrossSlot(err error) bool {
	return hasErrorPrefix(err, "CROSSSLOT")
}

func hasErrorPrefix(err error, prefix string) bool {
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return false
	}
	return strings.HasPrefix(string(rerr), prefix+" ") || string(rerr) == prefix
}
