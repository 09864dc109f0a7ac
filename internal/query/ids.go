package query

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// ClientIDPrefix marks record ids generated on the client. Such records have
// no server identity and cannot be refetched by id.
const ClientIDPrefix = "client:"

var clientIDSeq atomic.Uint64

// IsClientID reports whether id was generated on the client.
func IsClientID(id string) bool { return strings.HasPrefix(id, ClientIDPrefix) }

// NewClientID returns a fresh client id.
func NewClientID() string {
	return ClientIDPrefix + strconv.FormatUint(clientIDSeq.Add(1), 10)
}

