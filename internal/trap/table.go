package trap

import (
	"fmt"
	"sort"
)

// Handler emulates a trapped operation. access is nil unless the trap is a
// decoded data abort; it is a private copy and must be treated as
// read-only. Handlers must not keep ctx or access after returning.
type Handler interface {
	HandleTrap(ctx *Context, access *Access) Verdict
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx *Context, access *Access) Verdict

func (f HandlerFunc) HandleTrap(ctx *Context, access *Access) Verdict { return f(ctx, access) }

type regionBinding struct {
	name    string
	base    uint64
	size    uint64
	seq     int
	handler Handler
}

func (r regionBinding) contains(a *Access) bool {
	return a.Address >= r.base && a.Last() <= r.base+(r.size-1)
}

type kindBinding struct {
	name    string
	handler Handler
}

// TableBuilder collects handler registrations during cell setup.
type TableBuilder struct {
	kinds   [NumKinds][]kindBinding
	regions []regionBinding
}

// NewTableBuilder returns an empty TableBuilder.
func NewTableBuilder() *TableBuilder {
	return &TableBuilder{}
}

// Handle registers a generic handler for kind. Generic handlers run after
// any address-range handlers, in registration order.
func (b *TableBuilder) Handle(kind Kind, name string, h Handler) error {
	if b == nil {
		return fmt.Errorf("trap: table builder is nil")
	}
	if !kind.Valid() {
		return fmt.Errorf("trap: handler %q registered for invalid %s", name, kind)
	}
	if h == nil {
		return fmt.Errorf("trap: handler %q for %s is nil", name, kind)
	}
	b.kinds[kind] = append(b.kinds[kind], kindBinding{name: name, handler: h})
	return nil
}

// HandleRegion registers a data abort handler for [base, base+size).
// Overlapping regions are allowed; the narrowest containing region is
// tried first.
func (b *TableBuilder) HandleRegion(name string, base, size uint64, h Handler) error {
	if b == nil {
		return fmt.Errorf("trap: table builder is nil")
	}
	if h == nil {
		return fmt.Errorf("trap: region handler %q at 0x%x is nil", name, base)
	}
	if size == 0 {
		return fmt.Errorf("trap: region %q at 0x%x has zero size", name, base)
	}
	if base+(size-1) < base {
		return fmt.Errorf("trap: region %q at 0x%x with size 0x%x overflows", name, base, size)
	}
	for _, existing := range b.regions {
		if existing.base == base && existing.size == size {
			return fmt.Errorf("trap: region %q 0x%x-0x%x duplicates region %q",
				name, base, base+size-1, existing.name)
		}
	}
	b.regions = append(b.regions, regionBinding{
		name:    name,
		base:    base,
		size:    size,
		seq:     len(b.regions),
		handler: h,
	})
	return nil
}

// Build freezes the registrations into a Table. The builder may be
// discarded afterwards; later changes to it do not affect the Table.
func (b *TableBuilder) Build() (*Table, error) {
	if b == nil {
		return nil, fmt.Errorf("trap: table builder is nil")
	}

	t := &Table{}
	for k := range b.kinds {
		t.kinds[k] = append([]kindBinding(nil), b.kinds[k]...)
	}

	t.regions = append([]regionBinding(nil), b.regions...)
	sort.SliceStable(t.regions, func(i, j int) bool {
		a, c := t.regions[i], t.regions[j]
		if a.size != c.size {
			return a.size < c.size
		}
		if a.base != c.base {
			return a.base < c.base
		}
		return a.seq < c.seq
	})

	return t, nil
}

// Table is an immutable dispatch table.
type Table struct {
	kinds   [NumKinds][]kindBinding
	regions []regionBinding
}

// Candidates returns the names of the handlers dispatch would try for the
// classification, in order.
func (t *Table) Candidates(c Classification) []string {
	var names []string
	t.walk(c, func(name string, _ Handler) bool {
		names = append(names, name)
		return true
	})
	return names
}

func (t *Table) walk(c Classification, fn func(name string, h Handler) bool) {
	if !c.Kind.Valid() {
		return
	}
	if c.HasAccess() {
		for i := range t.regions {
			if !t.regions[i].contains(&c.Access) {
				continue
			}
			if !fn(t.regions[i].name, t.regions[i].handler) {
				return
			}
		}
	}
	for _, kb := range t.kinds[c.Kind] {
		if !fn(kb.name, kb.handler) {
			return
		}
	}
}

// Dispatch offers the trap to each candidate handler in precedence order
// and stops at the first handled or forbidden verdict. Every handler is
// invoked at most once.
func (t *Table) Dispatch(ctx *Context, c Classification) Verdict {
	result := VerdictUnhandled
	t.walk(c, func(name string, h Handler) bool {
		result = invoke(ctx, c, name, h)
		return result == VerdictUnhandled
	})
	if result == VerdictUnhandled && (!c.Kind.Valid() || failClosed[c.Kind]) {
		if ctx.reason == "" {
			ctx.reason = fmt.Sprintf("no handler for %s", c)
		}
		return VerdictForbidden
	}
	return result
}

func invoke(ctx *Context, c Classification, name string, h Handler) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			ctx.reason = fmt.Sprintf("handler %q panicked: %v", name, r)
			v = VerdictForbidden
		}
	}()

	var access *Access
	if c.HasAccess() {
		a := c.Access
		access = &a
	}
	v = h.HandleTrap(ctx, access).normalize()
	if v == VerdictForbidden && ctx.reason == "" {
		ctx.reason = fmt.Sprintf("handler %q forbade %s", name, c)
	}
	return v
}
