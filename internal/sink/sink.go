// Package sink defines where reports go once extraction is done, the outbound
// event schema and a name based factory registry for concrete sinks.
package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/kpanic/internal/core"
)

// Sink delivers reports to an external system.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, r *core.Report) error
	Close(ctx context.Context) error
}

// Factory builds a sink from its raw options.
type Factory func(options map[string]any) (Sink, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a sink type available by name. It panics on duplicates, so
// it is meant for init functions.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic("sink: duplicate registration of " + name)
	}
	factories[name] = f
}

// New builds the sink registered under name.
func New(name string, options map[string]any) (Sink, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown sink %q", core.ErrConfigInvalid, name)
	}
	s, err := f(options)
	if err != nil {
		return nil, fmt.Errorf("create sink %s: %w", name, err)
	}
	return s, nil
}

// Names lists the registered sink types.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DecodeOptions decodes raw sink options into out, accepting "1s" style
// strings for durations and rejecting unknown keys.
func DecodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return nil
}
