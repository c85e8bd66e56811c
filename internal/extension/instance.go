package extension

// InstanceState is the lifecycle state of one extension instance.
//
// The only transitions are Unbound → Bound → TornDown. A torn down ID is
// never bound again.
type InstanceState int

const (
	Unbound InstanceState = iota
	Bound
	TornDown
)

func (s InstanceState) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case TornDown:
		return "torn-down"
	default:
		return "unknown"
	}
}

type instance struct {
	state InstanceState
	data  any
}
