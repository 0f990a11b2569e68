package types

import "fmt"

type Priority int

const (
	PriorityDefault Priority = iota - 1
	PriorityPaused
	PriorityLowest
	PriorityLower
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHigher
	PriorityHighest
)

var priorityNames = map[Priority]string{
	PriorityDefault: "default",
	PriorityPaused:  "paused",
	PriorityLowest:  "lowest",
	PriorityLower:   "lower",
	PriorityLow:     "low",
	PriorityNormal:  "normal",
	PriorityHigh:    "high",
	PriorityHigher:  "higher",
	PriorityHighest: "highest",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts the names produced by String
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return PriorityDefault, fmt.Errorf("unknown priority %q", s)
}
