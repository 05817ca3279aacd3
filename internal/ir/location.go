package ir

// Arc is an inclusive range of ring locations. When Start > End the arc
// wraps past the top of the ring.
type Arc struct {
	Start uint32 `json:"start" yaml:"start" mapstructure:"start"`
	End   uint32 `json:"end" yaml:"end" mapstructure:"end"`
}

// FullArc covers the entire ring.
var FullArc = Arc{Start: 0, End: ^uint32(0)}

// Contains reports whether loc falls within the arc.
func (a Arc) Contains(loc uint32) bool {
	if a.Start <= a.End {
		return loc >= a.Start && loc <= a.End
	}
	return loc >= a.Start || loc <= a.End
}

// ArcSet is the union of arcs a node is responsible for.
// An empty set covers nothing.
type ArcSet []Arc

// Contains reports whether any arc contains loc.
func (s ArcSet) Contains(loc uint32) bool {
	for _, a := range s {
		if a.Contains(loc) {
			return true
		}
	}
	return false
}

// Covers reports whether the basis address falls within the set.
func (s ArcSet) Covers(basis AnyHash) bool {
	return s.Contains(Location(basis))
}
