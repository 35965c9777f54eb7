package webhook

import (
	"encoding/base64"
	"fmt"

	"github.com/sugawarayuuta/sonnet"

	"github.com/jjgmckenzie/hocuspocus/pkg/server"
)

// keyed is implemented by map-shaped documents such as *crdt.Doc.
type keyed interface {
	Keys() []string
	Get(key string) ([]byte, bool)
}

// DefaultTransformer renders map-shaped documents as a JSON object of
// their keys. Other documents are sent as {"state": "<base64 update>"}.
func DefaultTransformer(doc *server.Document) (any, error) {
	k, ok := doc.Doc().(keyed)
	if !ok {
		state, err := doc.State()
		if err != nil {
			return nil, err
		}
		return map[string]string{"state": base64.StdEncoding.EncodeToString(state)}, nil
	}

	out := make(map[string]any)
	for _, key := range k.Keys() {
		raw, ok := k.Get(key)
		if !ok {
			continue
		}
		var v any
		if err := sonnet.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("webhook: decode %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}
