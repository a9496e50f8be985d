package agent

import (
	"errors"
	"net/http"
)

var (
	ErrNotCached       = errors.New("not cached")
	ErrBadGeneration   = errors.New("generation name must end in -v<N>")
	ErrStaleGeneration = errors.New("generation is not newer than the active one")
	ErrUpstreamStatus  = errors.New("upstream returned non-2xx status")
)

type Policy int

const (
	PolicyStatic Policy = iota
	PolicyDynamic
)

func (p Policy) String() string {
	if p == PolicyDynamic {
		return "dynamic"
	}
	return "static"
}

type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	Hash32   uint32
}

// Clone returns a deep copy; callers holding a clone are unaffected by later
// replacement of the stored entry.
func (e CacheEntry) Clone() CacheEntry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// Outcome is the result of one dynamic request, as seen by the revalidation engine.
type Outcome int

const (
	CacheHitNoNetworkYet Outcome = iota
	CacheHitNetworkUpdated
	CacheHitNetworkUnchanged
	CacheMissNetworkOK
	CacheMissNetworkFailed
)

func (o Outcome) String() string {
	switch o {
	case CacheHitNoNetworkYet:
		return "CACHE_HIT_NO_NETWORK_YET"
	case CacheHitNetworkUpdated:
		return "CACHE_HIT_NETWORK_UPDATED"
	case CacheHitNetworkUnchanged:
		return "CACHE_HIT_NETWORK_UNCHANGED"
	case CacheMissNetworkOK:
		return "CACHE_MISS_NETWORK_OK"
	case CacheMissNetworkFailed:
		return "CACHE_MISS_NETWORK_FAILED"
	}
	return "UNKNOWN"
}

type MessageType string

const (
	MsgSkipWaiting      MessageType = "SKIP_WAITING"
	MsgNewData          MessageType = "NEW_DATA_AVAILABLE"
	MsgUpdateWaiting    MessageType = "UPDATE_WAITING"
	MsgControllerChange MessageType = "CONTROLLER_CHANGE"
)

// Message is the JSON payload exchanged with pages over the client channel.
type Message struct {
	Type       MessageType `json:"type"`
	Generation string      `json:"generation,omitempty"`
}

type State int

const (
	StateIdle State = iota
	StateInstalling
	StateWaiting
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

// entryKey is the canonical resource key: method and absolute URL.
func entryKey(method, rawURL string) string {
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + rawURL
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
