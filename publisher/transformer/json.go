package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/ripel-io/ripel/encoding"
	"github.com/ripel-io/ripel/event"
	"github.com/ripel-io/ripel/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return JSONTransformer{}
	})
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return MsgpackTransformer{}
	})
}

// JSONTransformer encodes the event envelope as JSON
type JSONTransformer struct{}

// Transform encodes ev as JSON
func (JSONTransformer) Transform(ev *event.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// ContentType returns application/json
func (JSONTransformer) ContentType() string {
	return "application/json"
}

// MsgpackTransformer encodes the event envelope as msgpack
type MsgpackTransformer struct{}

// Transform encodes ev as msgpack
func (MsgpackTransformer) Transform(ev *event.Event) ([]byte, error) {
	data, err := encoding.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal msgpack: %w", err)
	}
	return data, nil
}

// ContentType returns application/msgpack
func (MsgpackTransformer) ContentType() string {
	return "application/msgpack"
}
