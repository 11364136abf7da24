package badger

import (
	"encoding/binary"
)

// Key prefixes for different data types
const (
	threadPrefix   = "thr:"
	commentPrefix  = "cmt:"
	activityPrefix = "tact:"
	childPrefix    = "cpar:"
)

// childSeparator ends the parent part of a child index key. IDs never
// contain a NUL byte.
const childSeparator = 0x00

// makeThreadKey generates a key for a thread by ID.
func makeThreadKey(id string) []byte {
	return []byte(threadPrefix + id)
}

// makeCommentKey generates a key for a comment by ID.
func makeCommentKey(id string) []byte {
	return []byte(commentPrefix + id)
}

// makeActivityKey generates a composite key for the thread activity index.
// Format: prefix:timestamp:id
func makeActivityKey(timestamp int64, id string) []byte {
	prefixBytes := []byte(activityPrefix)
	buf := make([]byte, len(prefixBytes)+8+len(id))
	offset := copy(buf, prefixBytes)
	// Write in BigEndian order so lexicographic sort works correctly
	binary.BigEndian.PutUint64(buf[offset:], uint64(timestamp))
	offset += 8
	copy(buf[offset:], id)
	return buf
}

// lastActivityKey sorts after every key of the activity index. Reverse
// iteration seeks to it to start from the newest thread.
func lastActivityKey() []byte {
	buf := []byte(activityPrefix)
	for i := 0; i < 9; i++ {
		buf = append(buf, 0xFF)
	}
	return buf
}

// parseActivityKey splits an activity index key into timestamp and thread ID.
func parseActivityKey(key []byte) (int64, string, bool) {
	rest := key[len(activityPrefix):]
	if len(rest) < 8 {
		return 0, "", false
	}
	return int64(binary.BigEndian.Uint64(rest[:8])), string(rest[8:]), true
}

// makeChildKey generates a composite key for the child index.
// Format: prefix:parentID NUL childID
func makeChildKey(parentID, childID string) []byte {
	buf := makePartialChildKey(parentID)
	return append(buf, childID...)
}

// makePartialChildKey generates the key prefix shared by all children of
// parentID.
func makePartialChildKey(parentID string) []byte {
	buf := make([]byte, 0, len(childPrefix)+len(parentID)+1)
	buf = append(buf, childPrefix...)
	buf = append(buf, parentID...)
	return append(buf, childSeparator)
}
