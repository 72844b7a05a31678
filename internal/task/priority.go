package task

import (
	"fmt"
	"strings"
)

// Priority orders tasks competing for a lane.
type Priority uint8

const (
	Trivial Priority = iota
	Low
	Medium
	High
	Critical
)

var priorityNames = [...]string{"TRIVIAL", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (p Priority) String() string {
	if int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return fmt.Sprintf("Priority(%d)", p)
}

// ParsePriority accepts a priority name in any case.
func ParsePriority(s string) (Priority, error) {
	for i, n := range priorityNames {
		if strings.EqualFold(n, s) {
			return Priority(i), nil
		}
	}
	return Trivial, fmt.Errorf("unknown priority %q", s)
}
