package harnessports

import (
	"encoding/json"
	"fmt"
	"sync"
)

type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

var (
	kindsMu sync.RWMutex
	kinds   = map[string]func() Output{
		ResearchOutput{}.Kind():      func() Output { return &ResearchOutput{} },
		DocumentOutput{}.Kind():      func() Output { return &DocumentOutput{} },
		TranscriptionOutput{}.Kind(): func() Output { return &TranscriptionOutput{} },
		BillingOutput{}.Kind():       func() Output { return &BillingOutput{} },
	}
)

// RegisterOutputKind makes a custom Output decodable from persisted turns.
func RegisterOutputKind(kind string, factory func() Output) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[kind] = factory
}

// EncodeOutput wraps o in a {"kind","data"} envelope.
func EncodeOutput(o Output) ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode %s output: %w", o.Kind(), err)
	}
	return json.Marshal(envelope{Kind: o.Kind(), Data: data})
}

// DecodeOutput reverses EncodeOutput. Built-in kinds decode to value types.
func DecodeOutput(b []byte) (Output, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode output envelope: %w", err)
	}
	kindsMu.RLock()
	factory, ok := kinds[env.Kind]
	kindsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown output kind %q", env.Kind)
	}
	o := factory()
	if err := json.Unmarshal(env.Data, o); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", env.Kind, err)
	}
	switch v := o.(type) {
	case *ResearchOutput:
		return *v, nil
	case *DocumentOutput:
		return *v, nil
	case *TranscriptionOutput:
		return *v, nil
	case *BillingOutput:
		return *v, nil
	}
	return o, nil
}
