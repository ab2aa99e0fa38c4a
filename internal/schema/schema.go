package schema

// Ref is an opaque reference into an external schema registry.
type Ref struct {
	ID      string
	Version int
}

func (r Ref) IsZero() bool { return r.ID == "" && r.Version == 0 }

// Resolver maps an event type name to its registry reference. Resolution runs
// inside the transaction flush path and therefore must be local and cheap; a
// resolver backed by a remote registry has to pre-warm its cache before the
// flush phase.
type Resolver interface {
	Resolve(typeName string) (Ref, error)
}

// StaticResolver resolves from a fixed in-memory table. Unknown types resolve
// to a zero Ref without error; the record is persisted without a schema id.
type StaticResolver struct {
	refs map[string]Ref
}

func NewStaticResolver(refs map[string]Ref) *StaticResolver {
	if refs == nil {
		refs = map[string]Ref{}
	}
	return &StaticResolver{refs: refs}
}

func (s *StaticResolver) Resolve(typeName string) (Ref, error) {
	return s.refs[typeName], nil
}
