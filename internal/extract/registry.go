package extract

import (
	"sync"
)

// Registry holds the hooks the pipeline runs. Single-slot hooks are replaced
// by their setters; passing nil restores the built-in default. Multi-slot hooks
// keep registration order and are removed by pointer identity.
type Registry struct {
	mu sync.RWMutex

	check       CheckFunc
	title       FieldFunc
	user        FieldFunc
	fingerprint FieldFunc
	message     FieldFunc
	tags        []*TagHook
	extras      []*ExtraHook

	defaultTitle FieldFunc
}

// RegistryOption customizes the defaults of a new Registry.
type RegistryOption func(*Registry)

// WithModuleTags replaces the module tags that prefix the default title.
func WithModuleTags(tags ...string) RegistryOption {
	return func(r *Registry) {
		r.defaultTitle = defaultTitle(tags)
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{defaultTitle: defaultTitle(DefaultModuleTags)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) SetCheckHook(fn CheckFunc) {
	r.mu.Lock()
	r.check = fn
	r.mu.Unlock()
}

func (r *Registry) SetTitleHook(fn FieldFunc) {
	r.mu.Lock()
	r.title = fn
	r.mu.Unlock()
}

func (r *Registry) SetUserHook(fn FieldFunc) {
	r.mu.Lock()
	r.user = fn
	r.mu.Unlock()
}

func (r *Registry) SetFingerprintHook(fn FieldFunc) {
	r.mu.Lock()
	r.fingerprint = fn
	r.mu.Unlock()
}

func (r *Registry) SetMessageHook(fn FieldFunc) {
	r.mu.Lock()
	r.message = fn
	r.mu.Unlock()
}

// AddTagHook appends h to the tag hooks. Adding the same pointer twice runs it
// twice.
func (r *Registry) AddTagHook(h *TagHook) {
	if h == nil || h.Fn == nil {
		return
	}
	r.mu.Lock()
	r.tags = append(r.tags, h)
	r.mu.Unlock()
}

// RemoveTagHook removes the first registration of h and reports whether it was
// found.
func (r *Registry) RemoveTagHook(h *TagHook) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.tags {
		if cur == h {
			r.tags = append(r.tags[:i:i], r.tags[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) AddExtraHook(h *ExtraHook) {
	if h == nil || h.Fn == nil {
		return
	}
	r.mu.Lock()
	r.extras = append(r.extras, h)
	r.mu.Unlock()
}

func (r *Registry) RemoveExtraHook(h *ExtraHook) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.extras {
		if cur == h {
			r.extras = append(r.extras[:i:i], r.extras[i+1:]...)
			return true
		}
	}
	return false
}

// TagHooks returns the registered tag hooks in order.
func (r *Registry) TagHooks() []*TagHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*TagHook(nil), r.tags...)
}

// ExtraHooks returns the registered extra hooks in order.
func (r *Registry) ExtraHooks() []*ExtraHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*ExtraHook(nil), r.extras...)
}

// hookSet is an immutable view of the registry for one pipeline run.
type hookSet struct {
	check       CheckFunc
	title       FieldFunc
	user        FieldFunc
	fingerprint FieldFunc
	message     FieldFunc
	tags        []*TagHook
	extras      []*ExtraHook
}

func (r *Registry) snapshot() hookSet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hs := hookSet{
		check:       r.check,
		title:       r.title,
		user:        r.user,
		fingerprint: r.fingerprint,
		message:     r.message,
		tags:        append([]*TagHook(nil), r.tags...),
		extras:      append([]*ExtraHook(nil), r.extras...),
	}
	if hs.title == nil {
		hs.title = r.defaultTitle
	}
	if hs.fingerprint == nil {
		hs.fingerprint = r.defaultTitle
	}
	if hs.user == nil {
		hs.user = defaultUser
	}
	if hs.message == nil {
		hs.message = defaultMessage
	}
	return hs
}
