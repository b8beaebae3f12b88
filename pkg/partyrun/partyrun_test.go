package partyrun

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/steptrace/pkg/proc"
)

type fakeTarget struct {
	mu      sync.Mutex
	bpmap   proc.BreakpointMap
	mods    []*proc.Module
	sets    int
	clears  int
	failAt  uint64
	resumed int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		bpmap: proc.NewBreakpointMap(),
		mods: []*proc.Module{
			{Name: "app.exe", Base: 0x400000, Size: 0x10000, Party: proc.PartyUser, Sections: []proc.Section{
				{Name: ".text", Addr: 0x401000, Size: 0x2000},
				{Name: ".data", Addr: 0x404000, Size: 0x1000},
			}},
			{Name: "kernel32.dll", Base: 0x7ff00000, Size: 0x10000, Party: proc.PartySystem, Sections: []proc.Section{
				{Name: ".text", Addr: 0x7ff01000, Size: 0x8000},
			}},
		},
	}
}

func (t *fakeTarget) SetMemoryBreakpoint(addr, size uint64, access proc.Access, oneShot bool, onHit proc.HitFunc) (*proc.Breakpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if addr == t.failAt {
		return nil, proc.InvalidAddressError{Address: addr}
	}
	t.sets++
	return t.bpmap.Set(addr, size, access, proc.UserBreakpoint, oneShot, onHit)
}

func (t *fakeTarget) ClearBreakpoint(bp *proc.Breakpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clears++
	return t.bpmap.Clear(bp)
}

func (t *fakeTarget) FindMemoryBreakpoint(addr uint64) *proc.Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bpmap.Find(addr)
}

func (t *fakeTarget) ForEachSection(fn func(mod *proc.Module, sec *proc.Section) bool) {
	for _, mod := range t.mods {
		for i := range mod.Sections {
			if !fn(mod, &mod.Sections[i]) {
				return
			}
		}
	}
}

func (t *fakeTarget) ModuleAt(addr uint64) *proc.Module {
	for _, mod := range t.mods {
		if mod.Contains(addr) {
			return mod
		}
	}
	return nil
}

// hit simulates the target executing addr.
func (t *fakeTarget) hit(addr uint64) {
	t.mu.Lock()
	bp := t.bpmap.Covering(addr, proc.AccessExecute)
	if bp == nil {
		t.mu.Unlock()
		return
	}
	bp.TotalHitCount++
	if bp.OneShot {
		t.bpmap.Clear(bp)
	}
	t.mu.Unlock()
	if bp.OnHit != nil {
		bp.OnHit(bp, &proc.ThreadState{PC: addr})
	}
}

func (t *fakeTarget) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bpmap.M)
}

func newRunner(target *fakeTarget) (*Runner, *[]Result) {
	var results []Result
	r := New(target, func() error {
		target.resumed++
		return nil
	}, func(res Result) {
		results = append(results, res)
	})
	return r, &results
}

func TestRunToUser(t *testing.T) {
	for _, hitAddr := range []uint64{0x401234, 0x404010} {
		target := newFakeTarget()
		r, results := newRunner(target)

		require.NoError(t, r.Run(proc.PartyUser))
		require.True(t, r.Active())
		require.Equal(t, 2, r.Owned())
		require.Equal(t, 2, target.count())
		require.Equal(t, 1, target.resumed)
		require.True(t, r.Tracks(0x401fff))
		require.False(t, r.Tracks(0x7ff01000))
		for _, bp := range target.bpmap.M {
			require.Equal(t, proc.PartyBreakpoint, bp.Kind)
			require.Equal(t, proc.AccessExecute, bp.Access)
			require.True(t, bp.OneShot)
		}

		target.hit(hitAddr)

		require.False(t, r.Active())
		require.Equal(t, 0, r.Owned())
		require.Equal(t, 0, target.count())
		require.Len(t, *results, 1)
		res := (*results)[0]
		require.True(t, res.Hit)
		require.Equal(t, hitAddr, res.Addr)
		require.Equal(t, proc.PartyUser, res.Party)
		require.Equal(t, 2, res.Removed)
		// the hit breakpoint was removed by the target
		require.Equal(t, 1, target.clears)
	}
}

func TestRunBusy(t *testing.T) {
	target := newFakeTarget()
	r, _ := newRunner(target)
	require.NoError(t, r.Run(proc.PartyUser))
	sets := target.sets

	require.Equal(t, ErrBusy, r.Run(proc.PartyUser))
	require.Equal(t, ErrBusy, r.Run(proc.PartySystem))
	require.Equal(t, sets, target.sets)
	require.Equal(t, 2, target.count())
	require.Equal(t, 1, target.resumed)
}

func TestRunConcurrent(t *testing.T) {
	target := newFakeTarget()
	r, _ := newRunner(target)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Run(proc.PartyUser)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			require.Equal(t, ErrBusy, err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 2, target.sets)
}

func TestRunKeepsExistingBreakpoints(t *testing.T) {
	target := newFakeTarget()
	user, err := target.SetMemoryBreakpoint(0x401000, 1, proc.AccessExecute, false, nil)
	require.NoError(t, err)
	r, results := newRunner(target)

	require.NoError(t, r.Run(proc.PartyUser))
	require.Equal(t, 1, r.Owned())
	require.True(t, r.Tracks(0x401000))
	require.Equal(t, 2, target.count())

	// the user breakpoint is hit, the debugger reports it to the runner
	require.True(t, r.OnBreakpointHit(0x401000))
	require.Same(t, user, target.FindMemoryBreakpoint(0x401000))
	require.Equal(t, 1, target.count())
	require.Equal(t, 1, (*results)[0].Removed)
}

func TestCancel(t *testing.T) {
	target := newFakeTarget()
	r, results := newRunner(target)
	require.False(t, r.Cancel(nil))

	require.NoError(t, r.Run(proc.PartySystem))
	require.Equal(t, 1, target.count())
	exited := proc.ErrProcessExited{Pid: 1}
	require.True(t, r.Cancel(exited))
	require.Equal(t, 0, target.count())

	require.False(t, r.Cancel(nil))
	require.False(t, r.OnBreakpointHit(0x7ff01000))
	require.Len(t, *results, 1)
	require.False(t, (*results)[0].Hit)
	require.Equal(t, exited, (*results)[0].Err)
	require.Equal(t, 1, (*results)[0].Removed)

	// a new run can start
	require.NoError(t, r.Run(proc.PartyUser))
}

func TestRunNoSections(t *testing.T) {
	target := newFakeTarget()
	r, _ := newRunner(target)
	require.Equal(t, ErrNoSections, r.Run(proc.Party(7)))
	require.False(t, r.Active())
	require.Equal(t, 0, target.resumed)
}

func TestRunInstallFailure(t *testing.T) {
	target := newFakeTarget()
	target.failAt = 0x404000
	r, results := newRunner(target)

	err := r.Run(proc.PartyUser)
	var iae proc.InvalidAddressError
	require.True(t, errors.As(err, &iae))
	require.False(t, r.Active())
	require.Equal(t, 0, target.count())
	require.Equal(t, 0, target.resumed)
	require.Empty(t, *results)
}

func TestResumeFailure(t *testing.T) {
	target := newFakeTarget()
	resumeErr := errors.New("target is running")
	var results []Result
	r := New(target, func() error { return resumeErr }, func(res Result) { results = append(results, res) })

	require.Equal(t, resumeErr, r.Run(proc.PartyUser))
	require.False(t, r.Active())
	require.Equal(t, 0, target.count())
	require.Len(t, results, 1)
	require.Equal(t, resumeErr, results[0].Err)
}
