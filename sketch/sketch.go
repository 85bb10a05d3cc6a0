package sketch

import (
	"hash/fnv"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Logging convention for the sketch package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal
//     operation, with the exception of one time initialization data
//     this includes:
//     - store write failures and reconnects
//     - abnormal exits
// Error:
//     unrecoverable crash details
// Debug (V(1), V(2)):
//     key events for trace debugging - apply, save, presence ticks -
//     with ids that can be used to filter

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(strings.ToUpper(idStr))
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return strings.ToLower(ulid.ULID(self).String())
}

// a session token is the url-safe path segment that names one shared scene,
// `/canvas/{token}`
func NewSessionToken() string {
	return strings.ToLower(ulid.Make().String())
}

var peerColors = []string{
	"#ef4444",
	"#f59e0b",
	"#10b981",
	"#3b82f6",
	"#8b5cf6",
	"#ec4899",
	"#14b8a6",
	"#f97316",
}

// derived deterministically from the client id so every peer renders the same
// color for the same client without coordination
func ColorForId(clientId Id) string {
	h := fnv.New32a()
	h.Write(clientId.Bytes())
	return peerColors[int(h.Sum32())%len(peerColors)]
}
