package target

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Mux routes a reference to the resolver registered for its scheme.
type Mux struct {
	def       string
	resolvers map[string]Resolver
	order     []string
}

func NewMux(defaultScheme string) *Mux {
	def := strings.ToLower(strings.TrimSpace(defaultScheme))
	if def == "" {
		def = SchemeExec
	}
	return &Mux{def: def, resolvers: map[string]Resolver{}}
}

// Handle registers r for scheme, replacing any previous registration.
func (m *Mux) Handle(scheme string, r Resolver) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if _, ok := m.resolvers[scheme]; !ok {
		m.order = append(m.order, scheme)
	}
	m.resolvers[scheme] = r
}

// Normalize returns the canonical "scheme:name" form of ref.
func (m *Mux) Normalize(ref string) string {
	scheme, name := SplitRef(ref, m.def)
	return JoinRef(scheme, name)
}

func (m *Mux) route(ref string) (Resolver, string, error) {
	scheme, name := SplitRef(ref, m.def)
	if name == "" {
		return nil, "", fmt.Errorf("%w: empty reference", ErrNotFound)
	}
	r, ok := m.resolvers[scheme]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	return r, JoinRef(scheme, name), nil
}

// Exists is false, without error, for an unregistered scheme.
func (m *Mux) Exists(ctx context.Context, ref string) (bool, error) {
	r, full, err := m.route(ref)
	if err != nil {
		return false, nil
	}
	return r.Exists(ctx, full)
}

func (m *Mux) DisplayName(ctx context.Context, ref string) (string, error) {
	r, full, err := m.route(ref)
	if err != nil {
		return "", err
	}
	return r.DisplayName(ctx, full)
}

func (m *Mux) Launch(ctx context.Context, ref string) error {
	r, full, err := m.route(ref)
	if err != nil {
		return err
	}
	return r.Launch(ctx, full)
}

// List merges every registered Lister, sorted by label. A failing lister is
// skipped; its error is returned only when nothing could be listed.
func (m *Mux) List(ctx context.Context) ([]Target, error) {
	var (
		out      []Target
		firstErr error
	)
	for _, scheme := range m.order {
		l, ok := m.resolvers[scheme].(Lister)
		if !ok {
			continue
		}
		items, err := l.List(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("list %s targets: %w", scheme, err)
			}
			continue
		}
		out = append(out, items...)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := strings.ToLower(out[i].Label), strings.ToLower(out[j].Label)
		if li != lj {
			return li < lj
		}
		return out[i].Ref < out[j].Ref
	})
	return out, nil
}
