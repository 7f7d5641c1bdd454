package eventstore

import (
	"github.com/nbd-wtf/go-nostr"
)

// Kind classes per NIP-01. Replaceable and addressable kinds keep at
// most one winner per key; ephemeral kinds are never persisted.

func IsReplaceable(kind int) bool {
	return kind == 0 || kind == 3 || (kind >= 10000 && kind < 20000)
}

func IsEphemeral(kind int) bool {
	return kind >= 20000 && kind < 30000
}

func IsAddressable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

const KindDeletion = 5

// DTagValue returns the first value of the first "d" tag, or the empty
// string when absent. Addressable winners are keyed on this value.
func DTagValue(tags nostr.Tags) string {
	for _, tag := range tags {
		if len(tag) >= 1 && tag[0] == "d" {
			if len(tag) >= 2 {
				return tag[1]
			}
			return ""
		}
	}
	return ""
}

// indexableTagLetter reports whether a tag name belongs to the
// single-char tag set that gets a byTag index row.
func indexableTagLetter(name string) (byte, bool) {
	if len(name) != 1 {
		return 0, false
	}
	c := name[0]
	if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return c, true
	}
	return 0, false
}
