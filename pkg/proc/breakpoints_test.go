package proc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBreakpointMapSetClear(t *testing.T) {
	bpmap := NewBreakpointMap()

	bp, err := bpmap.Set(0x401000, 0x1000, AccessExecute, UserBreakpoint, false, nil)
	require.NoError(t, err)
	require.Equal(t, 1, bp.ID)
	require.Same(t, bp, bpmap.Find(0x401000))

	_, err = bpmap.Set(0x401000, 0x10, AccessExecute, PartyBreakpoint, true, nil)
	require.Equal(t, BreakpointExistsError{Addr: 0x401000}, err)

	require.NoError(t, bpmap.Clear(bp))
	require.Nil(t, bpmap.Find(0x401000))
	require.Equal(t, NoBreakpointError{Addr: 0x401000}, bpmap.Clear(bp))
}

func TestBreakpointMapCovering(t *testing.T) {
	bpmap := NewBreakpointMap()
	text, _ := bpmap.Set(0x401000, 0x1000, AccessExecute, PartyBreakpoint, false, nil)
	data, _ := bpmap.Set(0x403000, 0x1000, AccessWrite, UserBreakpoint, false, nil)

	require.Same(t, text, bpmap.Covering(0x401abc, AccessExecute))
	require.Nil(t, bpmap.Covering(0x402000, AccessExecute))
	require.Nil(t, bpmap.Covering(0x403010, AccessExecute))
	require.Same(t, data, bpmap.Covering(0x403010, AccessWrite))
}

func TestBreakpointMapHitOneShot(t *testing.T) {
	bpmap := NewBreakpointMap()
	var hits []uint64
	bp, err := bpmap.Set(0x1000, 0x10, AccessExecute, PartyBreakpoint, true, func(bp *Breakpoint, state *ThreadState) {
		hits = append(hits, state.PC)
	})
	require.NoError(t, err)

	bpmap.Hit(bp, &ThreadState{PC: 0x1004})
	require.Equal(t, []uint64{0x1004}, hits)
	require.Equal(t, uint64(1), bp.TotalHitCount)
	require.Nil(t, bpmap.Find(0x1000))
}

func TestBreakpointInvalidRange(t *testing.T) {
	bpmap := NewBreakpointMap()
	_, err := bpmap.Set(^uint64(0)-1, 0x10, AccessExecute, UserBreakpoint, false, nil)
	require.Equal(t, InvalidAddressError{Address: ^uint64(0) - 1}, err)
}

func TestSortedBreakpoints(t *testing.T) {
	bpmap := NewBreakpointMap()
	bpmap.Set(0x3000, 1, AccessExecute, UserBreakpoint, false, nil)
	bpmap.Set(0x1000, 1, AccessExecute, UserBreakpoint, false, nil)
	bpmap.Set(0x2000, 1, AccessExecute, UserBreakpoint, false, nil)

	var addrs []uint64
	for _, bp := range bpmap.Sorted() {
		addrs = append(addrs, bp.Addr)
	}
	require.Equal(t, []uint64{0x1000, 0x2000, 0x3000}, addrs)
}
