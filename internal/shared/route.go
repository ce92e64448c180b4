package shared

import "strings"

// RouteKind is the closed set of result destinations.
type RouteKind int

const (
	RouteSilent RouteKind = iota
	RouteNotify
	RouteMemoryUpdate
	// RouteOther carries a value outside the known set; Raw holds it verbatim.
	RouteOther
)

// ResultRoute says where a successful run's output goes.
type ResultRoute struct {
	Kind RouteKind
	Raw  string
}

var (
	RouteSilentValue       = ResultRoute{Kind: RouteSilent, Raw: "silent"}
	RouteNotifyValue       = ResultRoute{Kind: RouteNotify, Raw: "notify"}
	RouteMemoryUpdateValue = ResultRoute{Kind: RouteMemoryUpdate, Raw: "memory_update"}
)

// ParseResultRoute maps a stored or declared string onto the variant. Empty
// input is an undeclared route, which behaves as silent; unknown input is
// preserved as RouteOther.
func ParseResultRoute(raw string) ResultRoute {
	switch strings.TrimSpace(raw) {
	case "":
		return ResultRoute{Kind: RouteSilent}
	case "silent":
		return RouteSilentValue
	case "notify":
		return RouteNotifyValue
	case "memory_update":
		return RouteMemoryUpdateValue
	default:
		return ResultRoute{Kind: RouteOther, Raw: strings.TrimSpace(raw)}
	}
}

func (r ResultRoute) String() string {
	switch r.Kind {
	case RouteSilent:
		return "silent"
	case RouteNotify:
		return "notify"
	case RouteMemoryUpdate:
		return "memory_update"
	default:
		return r.Raw
	}
}

// Declared reports whether the route was set explicitly. The zero value is
// undeclared; "silent" spelled out is declared.
func (r ResultRoute) Declared() bool {
	return r.Kind != RouteSilent || r.Raw != ""
}

// Stored is the persisted form: empty for an undeclared route, else String.
func (r ResultRoute) Stored() string {
	if !r.Declared() {
		return ""
	}
	return r.String()
}

// Known reports whether the route is one of the closed set.
func (r ResultRoute) Known() bool {
	return r.Kind != RouteOther
}

func (r ResultRoute) MarshalText() ([]byte, error) {
	return []byte(r.Stored()), nil
}

func (r *ResultRoute) UnmarshalText(b []byte) error {
	*r = ParseResultRoute(string(b))
	return nil
}
