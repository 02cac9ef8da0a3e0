// Package endpoint models the typed, optionally named nodes that take part
// in control pipeline matching: the source of a control request and the
// destination it is routed to.
package endpoint

import "fmt"

type Kind int

const (
	KindUndefined Kind = iota
	KindAny
	KindService
	KindAPI
	KindNotification
	KindSchedule
	KindScript
	KindBroadcast
	KindAsset
)

var kindNames = map[Kind]string{
	KindUndefined:    "Undefined",
	KindAny:          "Any",
	KindService:      "Service",
	KindAPI:          "API",
	KindNotification: "Notification",
	KindSchedule:     "Schedule",
	KindScript:       "Script",
	KindBroadcast:    "Broadcast",
	KindAsset:        "Asset",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Undefined"
}

// KindFromString maps the endpoint type names used in the control source and
// destination tables to their Kind. Unknown names map to KindUndefined.
func KindFromString(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUndefined
}

// Named reports whether endpoints of this kind carry a name.
func (k Kind) Named() bool {
	switch k {
	case KindService, KindScript, KindAsset, KindSchedule:
		return true
	default:
		return false
	}
}

// Endpoint is an immutable value identifying one end of a control pipeline.
// The name is only meaningful for kinds that are Named.
type Endpoint struct {
	Kind Kind
	Name string
}

func New(kind Kind, name string) Endpoint {
	if !kind.Named() {
		name = ""
	}
	return Endpoint{Kind: kind, Name: name}
}

// Any is the wildcard endpoint that matches every candidate.
func Any() Endpoint {
	return Endpoint{Kind: KindAny}
}

// Matches reports whether the candidate c satisfies the pattern e. A pattern
// of KindAny matches everything; otherwise the kinds must agree and, when the
// pattern carries a name, the names must agree too.
func (e Endpoint) Matches(c Endpoint) bool {
	if e.Kind == KindAny {
		return true
	}
	if e.Kind != c.Kind {
		return false
	}
	return e.Name == "" || e.Name == c.Name
}

func (e Endpoint) String() string {
	if e.Name == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s:%s", e.Kind, e.Name)
}
