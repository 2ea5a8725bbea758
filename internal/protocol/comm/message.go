// Package comm implements the hub wire protocol: a length-prefixed frame
// carrying a request id and an ordered list of NUL-terminated string
// components. All header integers are big-endian.
//
// Frame layout:
//
//	[ data-len : uint16 ][ request-id : uint16 ][ count : uint16 ][ bodies ]
//
// data-len counts the component bodies including their NUL terminators and
// excludes the six-byte header. A request id of zero means no response is
// expected; non-zero ids are echoed verbatim in the single response.
package comm

import "fmt"

// HeaderLen is the size of the fixed frame header in bytes.
const HeaderLen = 6

// MaxDataLen is the protocol ceiling on the frame payload. The data-len
// field is 16 bits, so no frame can carry more than this many body bytes.
const MaxDataLen = 65535

// Namespace tags (component[0]).
const (
	NamespaceComm   = "COMM"
	NamespaceNotify = "NOTIFY"
	NamespaceVar    = "VAR"
	NamespaceWatch  = "WATCH"
	NamespaceLog    = "LOG"
)

// COMM verbs.
const (
	VerbAuth     = "AUTH"
	VerbShutdown = "SHUTDOWN"
	VerbKicking  = "KICKING"
	VerbClosing  = "CLOSING"
	VerbSuccess  = "SUCCESS"
	VerbFailure  = "FAILURE"
)

// NOTIFY verbs.
const (
	VerbOut          = "OUT"
	VerbIn           = "IN"
	VerbAddFilter    = "ADD_FILTER"
	VerbClearFilters = "CLEAR_FILTERS"
)

// VAR and WATCH verbs.
const (
	VerbGet   = "GET"
	VerbSet   = "SET"
	VerbValue = "VALUE"
	VerbAdd   = "ADD"
	VerbDel   = "DEL"
)

// Message is an unpacked protocol frame. Components hold the NUL-delimited
// bodies in wire order; component[0] is the namespace tag and component[1]
// the verb within it (except H→C WATCH updates, where component[1] is the
// variable name).
type Message struct {
	// RequestID correlates a response with its request. Zero means the
	// sender expects no response.
	RequestID uint16

	Components []string
}

// New builds a message with request id zero from the given components.
func New(components ...string) *Message {
	return &Message{Components: components}
}

// NewRequest builds a message carrying the given request id.
func NewRequest(id uint16, components ...string) *Message {
	return &Message{RequestID: id, Components: components}
}

// Namespace returns component[0], or "" for an empty message.
func (m *Message) Namespace() string {
	if len(m.Components) == 0 {
		return ""
	}
	return m.Components[0]
}

// Verb returns component[1], or "" when the message has fewer components.
func (m *Message) Verb() string {
	if len(m.Components) < 2 {
		return ""
	}
	return m.Components[1]
}

// Count returns the number of components.
func (m *Message) Count() int {
	return len(m.Components)
}

// dataLen returns the payload size of the packed form: each component's
// bytes plus one NUL terminator.
func (m *Message) dataLen() int {
	n := 0
	for _, c := range m.Components {
		n += len(c) + 1
	}
	return n
}

// String renders the message for log lines. Bodies are quoted so embedded
// spaces stay readable.
func (m *Message) String() string {
	return fmt.Sprintf("id=%d %q", m.RequestID, m.Components)
}
