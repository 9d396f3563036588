package dispatch

import (
	"fmt"

	"github.com/michaelbrown/kiln/internal/catalog"
)

// Bind assigns args to the tool's parameters positionally, in declared
// order. Tools using the nested-input convention get the named payload
// under their wrapper key.
func Bind(desc *catalog.Descriptor, args []any) (map[string]any, error) {
	if len(args) != len(desc.Params) {
		return nil, &Error{
			Tool: desc.Name,
			Msg:  fmt.Sprintf("%s expects %d args, got %d", desc.Name, len(desc.Params), len(args)),
			Err:  ErrArgCount,
		}
	}

	payload := make(map[string]any, len(args))
	for i, p := range desc.Params {
		payload[p.Name] = args[i]
	}
	if desc.Nested() {
		return map[string]any{desc.Wrapper: payload}, nil
	}
	return payload, nil
}
