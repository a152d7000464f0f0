package graph

import (
	"fmt"
	"strings"
)

type CycleError struct {
	Cycle []string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

func NewCycleError(cycle []string) *CycleError {
	return &CycleError{Cycle: cycle}
}

type UnknownDependencyError struct {
	StepID     string
	Dependency string
}

func (e UnknownDependencyError) Error() string {
	return fmt.Sprintf(
		"step %q depends on unknown step %q", e.StepID, e.Dependency,
	)
}

func NewUnknownDependencyError(stepID, dependency string) *UnknownDependencyError {
	return &UnknownDependencyError{StepID: stepID, Dependency: dependency}
}

type DuplicateStepError struct {
	StepID string
}

func (e DuplicateStepError) Error() string {
	return fmt.Sprintf("duplicate step id %q", e.StepID)
}

func NewDuplicateStepError(stepID string) *DuplicateStepError {
	return &DuplicateStepError{StepID: stepID}
}
