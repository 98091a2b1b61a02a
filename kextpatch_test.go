package kextpatch

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/kextpatch/image"
	"github.com/sliverarmory/kextpatch/memmod"
	"github.com/sliverarmory/kextpatch/patch"
	"github.com/sliverarmory/kextpatch/resolve"
	"github.com/sliverarmory/kextpatch/route"
)

const testBase = 0x40000

type harness struct {
	space *memmod.Space
	buf   *memmod.Buffer
	p     *Patcher
	fatal []*FatalError
}

func newHarness(t *testing.T, data []byte, opts ...Option) *harness {
	t.Helper()
	h := &harness{space: memmod.NewSpace(memmod.DefaultPageSize)}
	buf, err := memmod.NewBuffer(testBase, data, memmod.ProtRX)
	require.NoError(t, err)
	require.NoError(t, h.space.Map(buf))
	h.buf = buf
	opts = append([]Option{
		WithMemory(h.space),
		WithHalt(func(err *FatalError) { h.fatal = append(h.fatal, err) }),
	}, opts...)
	h.p = New(opts...)
	return h
}

func (h *harness) event(id string) Event {
	return Event{
		ID:      id,
		Index:   1,
		Base:    testBase,
		Size:    h.buf.Size(),
		Symbols: memmod.SymbolMap{"_entry": testBase + 0x10, "_table": testBase + 0x20},
	}
}

func TestOnImageLoad(t *testing.T) {
	h := newHarness(t, make([]byte, 0x100))
	var got *Load
	var entry uintptr
	require.NoError(t, h.p.Register("com.example.driver", []string{"/System/Library/Extensions/Example.kext"}, func(l *Load) error {
		got = l
		var err error
		entry, err = l.Resolve("_entry")
		return err
	}))

	assert.False(t, h.p.OnImageLoad(Event{ID: "com.example.other", Index: 2}))
	assert.Nil(t, got)

	require.True(t, h.p.OnImageLoad(h.event("com.example.driver")))
	require.Empty(t, h.fatal)
	require.NotNil(t, got)
	assert.Equal(t, "com.example.driver", got.ID())
	assert.Equal(t, 1, got.Index())
	assert.Equal(t, uintptr(testBase), got.Base())
	assert.Equal(t, h.buf.Size(), got.Size())
	assert.Equal(t, uintptr(testBase+0x10), entry)

	d, ok := h.p.Image("com.example.driver")
	require.True(t, ok)
	assert.Equal(t, image.Loaded, d.State)
	assert.Len(t, h.p.Images(), 1)
}

func TestOnImageLoadByPath(t *testing.T) {
	h := newHarness(t, nil)
	calls := 0
	require.NoError(t, h.p.Register("com.example.driver", []string{"/a/Example", "/b/Example"}, func(*Load) error {
		calls++
		return nil
	}))
	ev := h.event("")
	ev.Path = "/b/Example"
	assert.True(t, h.p.OnImageLoad(ev))
	assert.Equal(t, 1, calls)
}

func TestRepeatedLoadIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	calls := 0
	require.NoError(t, h.p.Register("com.example.driver", nil, func(*Load) error {
		calls++
		return nil
	}))
	assert.True(t, h.p.OnImageLoad(h.event("com.example.driver")))
	assert.True(t, h.p.OnImageLoad(h.event("com.example.driver")))
	assert.Equal(t, 1, calls)
	assert.Empty(t, h.fatal)
}

func TestHandlerFailureHalts(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		subsystem string
	}{
		{"plain", errors.New("boom"), "image"},
		{"route", fmt.Errorf("wrapped: %w", &route.BatchError{Index: 1, Misses: []route.Miss{{Symbol: "_x", Err: resolve.ErrNotFound}}}), "route"},
		{"patch", fmt.Errorf("%w: vram", patch.ErrRequired), "patch"},
		{"resolve", fmt.Errorf("table: %w", resolve.ErrNotFound), "resolve"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			require.NoError(t, h.p.Register("com.example.driver", nil, func(*Load) error { return tt.err }))
			assert.True(t, h.p.OnImageLoad(h.event("com.example.driver")))
			require.Len(t, h.fatal, 1)
			assert.Equal(t, tt.subsystem, h.fatal[0].Subsystem)
			assert.Equal(t, "com.example.driver", h.fatal[0].Target)
			assert.ErrorIs(t, h.fatal[0], tt.err)

			d, _ := h.p.Image("com.example.driver")
			assert.Equal(t, image.Failed, d.State)
		})
	}
}

func TestHandlerPanicHalts(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.p.Register("com.example.driver", []string{"/x/Example"}, func(*Load) error { panic("bad state") }))
	ev := h.event("")
	ev.Path = "/x/Example"
	h.p.OnImageLoad(ev)
	require.Len(t, h.fatal, 1)
	assert.Equal(t, "/x/Example", h.fatal[0].Target)
	assert.Contains(t, h.fatal[0].Error(), "bad state")
}

func TestDefaultHaltPanics(t *testing.T) {
	space := memmod.NewSpace(memmod.DefaultPageSize)
	p := New(WithMemory(space))
	require.NoError(t, p.Register("com.example.driver", nil, func(*Load) error { return errors.New("boom") }))
	assert.Panics(t, func() { p.OnImageLoad(Event{ID: "com.example.driver", Index: 1}) })
}

func TestLoadWrite(t *testing.T) {
	h := newHarness(t, make([]byte, 0x100))
	require.NoError(t, h.p.Register("com.example.driver", nil, func(l *Load) error {
		return l.Write(l.Base()+0x20, []byte{1, 2, 3, 4})
	}))
	h.p.OnImageLoad(h.event("com.example.driver"))
	require.Empty(t, h.fatal)
	assert.Equal(t, []byte{1, 2, 3, 4}, h.buf.Bytes()[0x20:0x24])
	prot, err := h.buf.Protection(testBase)
	require.NoError(t, err)
	assert.Equal(t, memmod.ProtRX, prot)
}

func TestLoadApplyPatches(t *testing.T) {
	data := make([]byte, 0x100)
	copy(data[0x40:], []byte{0xDE, 0xAD, 0xBE, 0xEF})
	catalog := patch.MustCatalog([]patch.Descriptor{{
		Name:    "dead-beef",
		Image:   "com.example.driver",
		Find:    []byte{0xDE, 0xAD, 0xBE, 0xEF},
		Replace: []byte{0xCA, 0xFE, 0xBA, 0xBE},
	}, {
		Name:    "other-image",
		Image:   "com.example.other",
		Find:    []byte{0xDE, 0xAD},
		Replace: []byte{0x00, 0x00},
	}})
	h := newHarness(t, data, WithCatalog(catalog))
	var report *patch.Report
	require.NoError(t, h.p.Register("com.example.driver", nil, func(l *Load) error {
		var err error
		report, err = l.ApplyPatches()
		return err
	}))
	h.p.OnImageLoad(h.event("com.example.driver"))
	require.Empty(t, h.fatal)
	require.NotNil(t, report)
	assert.Equal(t, []string{"dead-beef"}, report.Applied())
	assert.Equal(t, []byte{0xCA, 0xFE, 0xBA, 0xBE}, h.buf.Bytes()[0x40:0x44])
}

func TestRouteAll(t *testing.T) {
	h := newHarness(t, nil)
	// a Space cannot allocate trampolines
	require.NoError(t, h.p.Register("com.example.driver", nil, func(l *Load) error {
		return l.RouteAll()
	}))
	h.p.OnImageLoad(h.event("com.example.driver"))
	require.Len(t, h.fatal, 1)
	assert.ErrorIs(t, h.fatal[0], ErrNoRedirector)

	table := route.NewTable()
	require.NoError(t, table.Bind(testBase+0x10, func(x int) int { return x + 1 }))
	h = newHarness(t, nil, WithRedirector(table))
	var slot route.Slot[func(int) int]
	require.NoError(t, h.p.Register("com.example.driver", nil, func(l *Load) error {
		return l.RouteAll(route.Request("_entry", func(x int) int { return slot.Original()(x) * 10 }, &slot, true))
	}))
	h.p.OnImageLoad(h.event("com.example.driver"))
	require.Empty(t, h.fatal)
	fn, err := route.Lookup[func(int) int](table, testBase+0x10)
	require.NoError(t, err)
	assert.Equal(t, 30, fn(2))
}

func TestLoadLogger(t *testing.T) {
	var out bytes.Buffer
	h := newHarness(t, nil, WithLogger(zerolog.New(&out)))
	require.NoError(t, h.p.Register("com.example.driver", nil, func(l *Load) error {
		l.Logger().Info().Msg("handling image")
		return nil
	}))
	h.p.OnImageLoad(h.event("com.example.driver"))
	require.Empty(t, h.fatal)
	assert.Contains(t, out.String(), `"image":"com.example.driver"`)
	assert.Contains(t, out.String(), `"message":"handling image"`)
}
