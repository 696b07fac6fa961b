package clustercache

import "strings"

// HashSlots is the number of hash slots in a redis cluster.
const HashSlots = 16384

// Slot returns the hash slot for the key. If the key contains a non-empty
// hash tag (the part between the first "{" and the following "}"), only
// the hash tag is hashed.
func Slot(key string) int {
	if start := strings.Index(key, "{"); start >= 0 {
		if end := strings.Index(key[start+1:], "}"); end > 0 { // if end == 0, then it's {}, so we ignore it
			end += start + 1
			key = key[start+1 : end]
		}
	}
	return int(crc16(key) % HashSlots)
}
