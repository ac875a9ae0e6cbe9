package panel

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testInitialState() *State {
	state := &State{
		Core: CoreSlice{
			Connected: true,
			Language:  "en",
		},
	}
	return mergeState(state, DefaultPreferences().Patch())
}

func TestPendingMergeOrder(t *testing.T) {
	container := NewStateContainer(nil)
	assert.Equal(t, container.IsEstablished(), false)

	assert.Equal(t, container.Update(&Patch{Sidebar: &SidebarSlice{DockedSidebar: SidebarModeDocked}}), nil)
	assert.Equal(t, container.Update(&Patch{Haptics: &HapticsSlice{Vibrate: false}}), nil)
	assert.Equal(t, container.Update(&Patch{Sidebar: &SidebarSlice{DockedSidebar: SidebarModeAlwaysHidden, EnableShortcuts: true}}), nil)

	// the buffered updates are visible to later computed updates
	container.UpdateFunc(func(state *State) *Patch {
		assert.Equal(t, state.Sidebar.DockedSidebar, SidebarModeAlwaysHidden)
		return nil
	})

	state := container.Establish(testInitialState())
	assert.Equal(t, state.Version(), uint64(1))
	assert.Equal(t, state.Sidebar.DockedSidebar, SidebarModeAlwaysHidden)
	assert.Equal(t, state.Sidebar.EnableShortcuts, true)
	assert.Equal(t, state.Haptics.Vibrate, false)
	assert.Equal(t, state.Core.Language, "en")
	assert.Equal(t, state.Core.Connected, true)

	// establish happens once
	again := container.Establish(&State{})
	assert.Equal(t, again == state, true)

	next := container.Update(&Patch{Haptics: &HapticsSlice{Vibrate: true}})
	assert.Equal(t, next.Version(), uint64(2))
	assert.Equal(t, next.Haptics.Vibrate, true)
	assert.Equal(t, next.Sidebar.DockedSidebar, SidebarModeAlwaysHidden)
	// the previous state is not modified
	assert.Equal(t, state.Haptics.Vibrate, false)
}

func TestEmptyPatch(t *testing.T) {
	container := NewStateContainer(nil)
	state := container.Establish(testInitialState())

	next := container.Update(&Patch{})
	assert.Equal(t, next == state, true)
	next = container.UpdateFunc(func(state *State) *Patch {
		return nil
	})
	assert.Equal(t, next == state, true)
	assert.Equal(t, container.State().Version(), uint64(1))
}

func TestDependentReferenceEquality(t *testing.T) {
	container := NewStateContainer(nil)

	bindings := []*StateBinding{}
	for range 3 {
		binding := NewStateBinding(nil)
		container.Provide(binding)
		bindings = append(bindings, binding)
	}
	for _, binding := range bindings {
		assert.Equal(t, binding.State(), nil)
	}

	container.Establish(testInitialState())
	for _, binding := range bindings {
		assert.Equal(t, binding.State() == container.State(), true)
	}

	for i := range 10 {
		mode := SidebarModeDocked
		if i%2 == 0 {
			mode = SidebarModeAuto
		}
		container.Update(&Patch{Sidebar: &SidebarSlice{DockedSidebar: mode}})
		for _, binding := range bindings {
			assert.Equal(t, binding.State() == container.State(), true)
		}
	}

	// late registration receives the current state immediately
	late := NewStateBinding(nil)
	container.Provide(late)
	assert.Equal(t, late.State() == container.State(), true)
}

func TestDependentOrder(t *testing.T) {
	container := NewStateContainer(nil)
	container.Establish(testInitialState())

	order := []int{}
	for i := range 3 {
		container.Provide(DependentFunc(func(state *State) {
			order = append(order, i)
		}))
	}
	order = []int{}
	container.Update(&Patch{Haptics: &HapticsSlice{Vibrate: false}})
	assert.Equal(t, order, []int{0, 1, 2})
}

func TestClosedDependentPruned(t *testing.T) {
	container := NewStateContainer(nil)
	container.Establish(testInitialState())

	open := NewStateBinding(nil)
	closed := NewStateBinding(nil)
	container.Provide(open)
	container.Provide(closed)
	assert.Equal(t, container.DependentCount(), 2)

	before := closed.State()
	closed.Close()

	container.Update(&Patch{Haptics: &HapticsSlice{Vibrate: false}})
	assert.Equal(t, open.State() == container.State(), true)
	assert.Equal(t, closed.State() == before, true)
	assert.Equal(t, container.DependentCount(), 1)
}

func TestDependentPanic(t *testing.T) {
	container := NewStateContainer(nil)
	container.Establish(testInitialState())

	container.Provide(DependentFunc(func(state *State) {
		panic("dependent failed")
	}))
	binding := NewStateBinding(nil)
	container.Provide(binding)

	next := container.Update(&Patch{Haptics: &HapticsSlice{Vibrate: false}})
	assert.Equal(t, binding.State() == next, true)
}

func TestStateChangedCallback(t *testing.T) {
	container := NewStateContainer(nil)

	type change struct {
		prev *State
		next *State
	}
	changes := []change{}
	remove := container.AddStateChangedCallback(func(prev *State, next *State) {
		changes = append(changes, change{prev, next})
	})

	container.Update(&Patch{Haptics: &HapticsSlice{Vibrate: false}})
	assert.Equal(t, len(changes), 0)

	first := container.Establish(testInitialState())
	assert.Equal(t, len(changes), 1)
	assert.Equal(t, changes[0].prev == nil, true)
	assert.Equal(t, changes[0].next == first, true)

	second := container.Update(&Patch{Haptics: &HapticsSlice{Vibrate: true}})
	assert.Equal(t, len(changes), 2)
	assert.Equal(t, changes[1].prev == first, true)
	assert.Equal(t, changes[1].next == second, true)

	remove()
	container.Update(&Patch{Haptics: &HapticsSlice{Vibrate: false}})
	assert.Equal(t, len(changes), 2)
}

func TestStateUpdateMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	container := NewStateContainer(metrics)

	container.Update(&Patch{Haptics: &HapticsSlice{Vibrate: false}})
	container.Establish(testInitialState())
	assert.Equal(t, testutil.ToFloat64(metrics.stateUpdates), float64(0))

	container.Update(&Patch{Haptics: &HapticsSlice{Vibrate: true}})
	container.Update(&Patch{})
	assert.Equal(t, testutil.ToFloat64(metrics.stateUpdates), float64(1))
}

func TestStateChangedVersionOrder(t *testing.T) {
	container := NewStateContainer(nil)
	container.Establish(testInitialState())

	versions := make(chan uint64, 2)
	container.AddStateChangedCallback(func(prev *State, next *State) {
		if next.Haptics.Vibrate {
			// the older version is slow to handle
			time.Sleep(20 * time.Millisecond)
		}
		versions <- next.Version()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		container.Update(&Patch{Haptics: &HapticsSlice{Vibrate: true}})
	}()
	// wait for the first update to install before the second
	for container.State().Version() < 2 {
		time.Sleep(time.Millisecond)
	}
	container.Update(&Patch{Haptics: &HapticsSlice{Vibrate: false}})
	<-done

	assert.Equal(t, <-versions, uint64(2))
	assert.Equal(t, <-versions, uint64(3))
}
