package store

import (
	"fmt"
	"regexp"
	"strconv"
)

// KeyType is used to distinguish between requests and responses
// in store keys.
type KeyType string

// These constants define the key structure of the store.
const (
	// KeyTemplate is the key template to be filled with ID and KeyType.
	KeyTemplate         = "%d-%s"
	ReqType     KeyType = "Req"
	ResType     KeyType = "Res"
)

// KeyRegex is the regex used to extract info from a key in the KeyTemplate form.
var KeyRegex = regexp.MustCompile(`^(\d+)-(Req|Res)$`)

// Key represents the elements that are serialized to the
// actual store key.
type Key struct {
	ID   uint64
	Type KeyType
}

// Bytes serializes the Key struct such that it can be used
// as an actual store key.
func (k Key) Bytes() []byte {
	return []byte(fmt.Sprintf(KeyTemplate, k.ID, k.Type))
}

// ParseKey creates a Key object from the bytes of the actual key.
func ParseKey(storeKey []byte) (*Key, error) {
	matches := KeyRegex.FindStringSubmatch(string(storeKey))
	if len(matches) != 3 {
		return nil, fmt.Errorf("could not parse key: %q", storeKey)
	}

	id, err := strconv.ParseUint(matches[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cannot parse ID from key: %s", matches[1])
	}

	return &Key{ID: id, Type: KeyType(matches[2])}, nil
}
