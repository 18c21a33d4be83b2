package rbac

import (
	"encoding/json"
	"fmt"
)

// decodeFunctionList parses a stored allowed_functions payload. A JSON null or
// empty payload decodes to an empty set; anything other than an array of
// strings is ErrMalformedRecord.
func decodeFunctionList(raw []byte) (FunctionSet, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return FunctionSet{}, nil
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return FunctionSet{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	keys := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return FunctionSet{}, fmt.Errorf("%w: element %d is %T", ErrMalformedRecord, i, item)
		}
		keys = append(keys, s)
	}
	return NewFunctionSet(keys...), nil
}

// encodeFunctionList renders a set as a sorted JSON array.
func encodeFunctionList(set FunctionSet) ([]byte, error) {
	return json.Marshal(set.Sorted())
}
