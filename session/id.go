package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// ID identifies one logical client session: a random UUID plus a digest of
// the owning principal. IDs are immutable value types usable as map keys.
type ID struct {
	UUID        uuid.UUID
	OwnerDigest uint64
}

// NewID mints a session ID for the given owner principal
func NewID(owner string) ID {
	return ID{
		UUID:        uuid.New(),
		OwnerDigest: xxhash.Sum64String(owner),
	}
}

// Hash returns a stable hash of the ID
func (id ID) Hash() uint64 {
	h := xxhash.New()
	h.Write(id.UUID[:])
	var buf [16]byte
	n := copy(buf[:], strconv.FormatUint(id.OwnerDigest, 16))
	h.Write(buf[:n])
	return h.Sum64()
}

// String returns the canonical form, "uuid#digest". Kill/inspect glob
// patterns match against this form.
func (id ID) String() string {
	return fmt.Sprintf("%s#%016x", id.UUID, id.OwnerDigest)
}

// Parse builds an ID back from its canonical string form
func Parse(s string) (ID, error) {
	uuidPart, digestPart, found := strings.Cut(s, "#")
	if !found {
		return ID{}, &ParseError{Field: "sid", Detail: "missing owner digest separator"}
	}

	u, err := uuid.Parse(uuidPart)
	if err != nil {
		return ID{}, &ParseError{Field: "sid", Detail: err.Error()}
	}

	digest, err := strconv.ParseUint(digestPart, 16, 64)
	if err != nil {
		return ID{}, &ParseError{Field: "sid", Detail: "malformed owner digest"}
	}

	return ID{UUID: u, OwnerDigest: digest}, nil
}

// ParseDocument extracts a session ID from a durable document whose "_id"
// subdocument encodes it. Replication invalidation paths hand such documents
// to the catalog.
func ParseDocument(doc map[string]interface{}) (ID, error) {
	rawID, ok := doc["_id"]
	if !ok {
		return ID{}, &ParseError{Field: "_id", Detail: "missing"}
	}

	sub, ok := rawID.(map[string]interface{})
	if !ok {
		return ID{}, &ParseError{Field: "_id", Detail: "not a subdocument"}
	}

	rawUUID, ok := sub["uuid"].(string)
	if !ok {
		return ID{}, &ParseError{Field: "_id.uuid", Detail: "missing or not a string"}
	}

	u, err := uuid.Parse(rawUUID)
	if err != nil {
		return ID{}, &ParseError{Field: "_id.uuid", Detail: err.Error()}
	}

	var digest uint64
	switch v := sub["owner"].(type) {
	case string:
		digest, err = strconv.ParseUint(v, 16, 64)
		if err != nil {
			return ID{}, &ParseError{Field: "_id.owner", Detail: "malformed digest"}
		}
	case int64:
		digest = uint64(v)
	case uint64:
		digest = v
	case nil:
		return ID{}, &ParseError{Field: "_id.owner", Detail: "missing"}
	default:
		return ID{}, &ParseError{Field: "_id.owner", Detail: fmt.Sprintf("unsupported type %T", v)}
	}

	return ID{UUID: u, OwnerDigest: digest}, nil
}

// Document returns the durable "_id" subdocument form of the ID
func (id ID) Document() map[string]interface{} {
	return map[string]interface{}{
		"_id": map[string]interface{}{
			"uuid":  id.UUID.String(),
			"owner": fmt.Sprintf("%016x", id.OwnerDigest),
		},
	}
}
