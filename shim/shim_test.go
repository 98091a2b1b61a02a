package shim

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/kextpatch/memmod"
	"github.com/sliverarmory/kextpatch/resolve"
	"github.com/sliverarmory/kextpatch/route"
)

// install routes replacement over a bound original and returns the live
// function the host would now call.
func install[F any](t *testing.T, original, replacement F, slot *route.Slot[F]) F {
	t.Helper()
	table := route.NewTable()
	require.NoError(t, table.Bind(0x1000, original))
	res := resolve.New()
	require.NoError(t, res.Register(0, memmod.SymbolMap{"_f": 0x1000}))
	require.NoError(t, route.New(res, table).RouteAll(0, 0, 0, []route.Entry{
		route.Request("_f", replacement, slot, true),
	}))
	live, err := route.Lookup[F](table, 0x1000)
	require.NoError(t, err)
	return live
}

func TestMutatorReturnsOverrideAfterOneCall(t *testing.T) {
	const override = uint16(0x82) // CI family
	calls := 0
	var slot route.Slot[func(unsafe.Pointer) uint16]
	live := install(t,
		func(unsafe.Pointer) uint16 { calls++; return 0x6E },
		Mutate1(zerolog.Nop(), "getFamilyId", &slot, func(_ unsafe.Pointer, orig uint16) uint16 {
			assert.Equal(t, uint16(0x6E), orig)
			return override
		}),
		&slot,
	)

	assert.Equal(t, override, live(nil))
	assert.Equal(t, 1, calls)
}

func TestObserverIsTransparent(t *testing.T) {
	var slot route.Slot[func(uint32, uint32) uint32]
	live := install(t,
		func(a, b uint32) uint32 { return a + b },
		Observe2(zerolog.Nop(), "readReg", &slot),
		&slot,
	)
	assert.Equal(t, uint32(5), live(2, 3))

	var slot1 route.Slot[func(int) int]
	live1 := install(t, func(a int) int { return a * 2 }, Observe1(zerolog.Nop(), "double", &slot1), &slot1)
	assert.Equal(t, 8, live1(4))

}

func TestOverrideNeverCallsThrough(t *testing.T) {
	var slot route.Slot[func(uintptr, uint32, bool) bool]
	called := false
	live := install(t,
		func(uintptr, uint32, bool) bool { called = true; return false },
		Constant3[uintptr, uint32, bool](zerolog.Nop(), "TestVRAM", true),
		&slot,
	)
	assert.True(t, live(0, 0, false))
	assert.False(t, called)

	assert.Equal(t, "x", Constant2[int, int](zerolog.Nop(), "c", "x")(1, 2))

	var slot0 route.Slot[func() int]
	live0 := install(t, func() int { return 1 }, Mutate0(zerolog.Nop(), "inc", &slot0, func(r int) int { return r + 1 }), &slot0)
	assert.Equal(t, 2, live0())
}

func TestFamilyRegistry(t *testing.T) {
	type gfxcon struct{ name string }
	r := NewRegistry()
	require.NoError(t, r.Register("gfxcon", &gfxcon{name: "ci"}))
	require.ErrorIs(t, r.Register("gfxcon", &gfxcon{}), ErrFamilyRegistered)
	require.Error(t, r.Register("nil", nil))

	got, err := Lookup[*gfxcon](r, "gfxcon")
	require.NoError(t, err)
	assert.Equal(t, "ci", got.name)

	_, err = Lookup[*gfxcon](r, "rad")
	require.ErrorIs(t, err, ErrNoFamily)
	_, err = Lookup[string](r, "gfxcon")
	require.Error(t, err)
	assert.Panics(t, func() { MustLookup[*gfxcon](r, "rad") })
	assert.Equal(t, []string{"gfxcon"}, r.IDs())
}

func TestProviderScope(t *testing.T) {
	var p Provider[string]
	_, ok := p.Current()
	require.False(t, ok)

	release := p.Enter("ATY,Baffin")
	v, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, "ATY,Baffin", v)
	release()
	release()
	_, ok = p.Current()
	assert.False(t, ok)

	// release on a panicking path still clears the value
	assert.Panics(t, func() {
		defer p.Enter("device")()
		panic("start failed")
	})
	_, ok = p.Current()
	assert.False(t, ok)
}

func TestProviderSerializesScopes(t *testing.T) {
	var (
		p        Provider[int]
		wg       sync.WaitGroup
		mu       sync.Mutex
		mismatch int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			release := p.Enter(i)
			defer release()
			if v, ok := p.Current(); !ok || v != i {
				mu.Lock()
				mismatch++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, mismatch)
}

func TestLayout(t *testing.T) {
	l, err := NewLayout("DeviceInfo", 0x48,
		Field{Name: "familyId", Offset: 0x38, Width: 4},
		Field{Name: "deviceId", Offset: 0x3C, Width: 4},
		Field{Name: "revision", Offset: 0x40, Width: 2},
		Field{Name: "variant", Offset: 0x44, Width: 4},
	)
	require.NoError(t, err)

	obj := make([]byte, 0x48)
	for i := range obj {
		obj[i] = 0xEE
	}
	ptr := unsafe.Pointer(&obj[0])
	require.NoError(t, l.Put(ptr, "familyId", 0x82))
	require.NoError(t, l.Put(ptr, "variant", 0x1_0000_0003))
	require.ErrorIs(t, l.Put(ptr, "bogus", 1), ErrNoField)

	assert.Equal(t, uint64(0x82), l.MustField("familyId").Get(ptr))
	assert.Equal(t, uint64(3), l.MustField("variant").Get(ptr))
	assert.Equal(t, uint64(0xEEEE), l.MustField("revision").Get(ptr))
	// bytes outside the written fields are untouched
	assert.Equal(t, byte(0xEE), obj[0x37])
	assert.Equal(t, byte(0xEE), obj[0x3C])
	assert.Len(t, l.Fields(), 4)
}

func TestLayoutValidate(t *testing.T) {
	tests := map[string][]Field{
		"overlap":   {{Name: "a", Offset: 0x38, Width: 4}, {Name: "b", Offset: 0x3A, Width: 4}},
		"width":     {{Name: "a", Offset: 0, Width: 3}},
		"duplicate": {{Name: "a", Offset: 0, Width: 1}, {Name: "a", Offset: 4, Width: 1}},
		"bounds":    {{Name: "a", Offset: 0x46, Width: 4}},
	}
	for name, fields := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewLayout("x", 0x48, fields...)
			require.Error(t, err)
			require.Panics(t, func() { MustLayout("x", 0x48, fields...) })
		})
	}
}
