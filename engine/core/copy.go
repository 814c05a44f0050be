package core

import (
	"fmt"

	"github.com/mohae/deepcopy"
)

func deepCopyMap(m map[string]any) (map[string]any, error) {
	copied, ok := deepcopy.Copy(m).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("failed to copy map")
	}
	return copied, nil
}

// DeepCopy returns a deep copy of v. Input and Output (and their
// pointer forms) are handled explicitly so the copy keeps its concrete
// type instead of devolving into the plain map the deepcopy library
// returns.
func DeepCopy[T any](v T) (T, error) {
	var zero T
	switch src := any(v).(type) {
	case Input:
		if src == nil {
			return zero, nil
		}
		copied, err := deepCopyMap(src)
		if err != nil {
			return zero, fmt.Errorf("failed to copy Input: %w", err)
		}
		return any(Input(copied)).(T), nil
	case Output:
		if src == nil {
			return zero, nil
		}
		copied, err := deepCopyMap(src)
		if err != nil {
			return zero, fmt.Errorf("failed to copy Output: %w", err)
		}
		return any(Output(copied)).(T), nil
	case *Input:
		if src == nil || *src == nil {
			return zero, nil
		}
		copied, err := deepCopyMap(*src)
		if err != nil {
			return zero, fmt.Errorf("failed to copy *Input: %w", err)
		}
		dst := Input(copied)
		return any(&dst).(T), nil
	case *Output:
		if src == nil || *src == nil {
			return zero, nil
		}
		copied, err := deepCopyMap(*src)
		if err != nil {
			return zero, fmt.Errorf("failed to copy *Output: %w", err)
		}
		dst := Output(copied)
		return any(&dst).(T), nil
	default:
		result, ok := deepcopy.Copy(v).(T)
		if !ok {
			return zero, fmt.Errorf("failed to cast copied value to type %T", zero)
		}
		return result, nil
	}
}
