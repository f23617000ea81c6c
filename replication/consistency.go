package replication

import "fmt"

// ConsistencyLevel is the number of replica acknowledgements a write
// needs, or the number of replicas a read consults.
type ConsistencyLevel int

const (
	// One acknowledges after any single replica, typically the local one.
	One ConsistencyLevel = iota
	// Majority acknowledges after more than half of the replicas.
	Majority
	// All acknowledges only after every replica.
	All
)

func (l ConsistencyLevel) String() string {
	switch l {
	case One:
		return "one"
	case Majority:
		return "majority"
	case All:
		return "all"
	default:
		return fmt.Sprintf("unknown(%d)", l)
	}
}

// ParseConsistencyLevel parses the string form produced by String.
func ParseConsistencyLevel(s string) (ConsistencyLevel, error) {
	switch s {
	case "one":
		return One, nil
	case "majority":
		return Majority, nil
	case "all":
		return All, nil
	default:
		return 0, fmt.Errorf("unknown consistency level %q", s)
	}
}

// Required returns the acknowledgement count the level demands out of n
// replicas.
func (l ConsistencyLevel) Required(n int) int {
	if n <= 0 {
		return 0
	}
	switch l {
	case One:
		return 1
	case Majority:
		return n/2 + 1
	default:
		return n
	}
}
