package gpu

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// State is the lifecycle state of a Library.
type State int32

// Library lifecycle states.
const (
	StateUninitialized State = iota
	StateReady
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateShutDown:
		return "shut_down"
	default:
		return "uninitialized"
	}
}

// readyLibrary is set while some Library in this process is Ready.
var readyLibrary atomic.Bool

// QueryFunc reads a single value from a device handle.
type QueryFunc func(nvml.Device) (float64, nvml.Return)

// Option configures Init.
type Option func(*options)

type options struct {
	libraryPath string
	iface       nvml.Interface
}

// WithLibraryPath loads libnvidia-ml from an explicit path.
func WithLibraryPath(path string) Option {
	return func(o *options) { o.libraryPath = path }
}

// WithInterface substitutes the NVML binding, typically with a mock.
func WithInterface(iface nvml.Interface) Option {
	return func(o *options) { o.iface = iface }
}

// Library is the process-wide handle on NVML.
type Library struct {
	iface nvml.Interface
	state atomic.Int32

	// guard is read-held by collection passes and write-held by Shutdown.
	guard sync.RWMutex
	// released is set under guard once NVML itself has been shut down.
	released bool
	// calls tracks foreign calls still running, including ones whose caller
	// gave up after a timeout. Add happens only under guard's read side.
	calls sync.WaitGroup

	mu      sync.RWMutex
	handles map[string]nvml.Device
	// stalled counts abandoned calls per device UUID that have not returned.
	stalled map[string]int
}

// Per-call ownership of the result: whichever side wins the CAS from
// callRunning decides whether the call was abandoned.
const (
	callRunning int32 = iota
	callDone
	callAbandoned
)

// Init performs the one-time NVML setup and returns a Ready Library.
func Init(opts ...Option) (*Library, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	iface := o.iface
	if iface == nil {
		var libOpts []nvml.LibraryOption
		if o.libraryPath != "" {
			libOpts = append(libOpts, nvml.WithLibraryPath(o.libraryPath))
		}
		iface = nvml.New(libOpts...)
	}

	if !readyLibrary.CompareAndSwap(false, true) {
		return nil, &InitError{Kind: InitAlreadyInitialized, Err: errLibraryActive}
	}

	if ret := iface.Init(); ret != nvml.SUCCESS {
		readyLibrary.Store(false)
		return nil, newInitError(ret)
	}

	l := &Library{
		iface:   iface,
		handles: make(map[string]nvml.Device),
		stalled: make(map[string]int),
	}
	l.state.Store(int32(StateReady))
	return l, nil
}

// State returns the current lifecycle state.
func (l *Library) State() State {
	return State(l.state.Load())
}

// Acquire takes the read side of the lifecycle guard. The returned release
// func must be called once the caller has finished every Query; calling it
// more than once is harmless.
func (l *Library) Acquire() (func(), error) {
	l.guard.RLock()
	if l.State() != StateReady {
		l.guard.RUnlock()
		return nil, ErrShutDown
	}
	var once sync.Once
	return func() { once.Do(l.guard.RUnlock) }, nil
}

// Query reads one value from the device identified by id. The caller must
// hold the guard from Acquire. A non-positive timeout waits indefinitely.
//
// A call that exceeds its timeout keeps running in the driver. Until it
// returns, further queries on that device fail fast with ErrDeviceStalled
// instead of starting another foreign call.
func (l *Library) Query(id Identity, op string, timeout time.Duration, fn QueryFunc) (float64, error) {
	if l.State() != StateReady {
		return 0, &ProbeError{Kind: ProbeTransient, Op: op, Err: ErrShutDown}
	}

	dev, ok := l.handle(id.UUID)
	if !ok {
		return 0, &ProbeError{Kind: ProbeTransient, Op: op, DeviceLost: true, Err: ErrUnknownDevice}
	}
	if l.isStalled(id.UUID) {
		return 0, &ProbeError{Kind: ProbeTransient, Op: op, Err: ErrDeviceStalled}
	}

	ch := make(chan callResult, 1)
	var owner atomic.Int32

	l.calls.Add(1)
	go func() {
		defer l.calls.Done()
		defer func() {
			if !owner.CompareAndSwap(callRunning, callDone) {
				l.unstall(id.UUID)
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				ch <- callResult{panicked: r}
			}
		}()
		v, ret := fn(dev)
		ch <- callResult{value: v, ret: ret}
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case r := <-ch:
		return r.unpack(op)
	case <-deadline:
		l.stall(id.UUID)
		if !owner.CompareAndSwap(callRunning, callAbandoned) {
			// Returned between the deadline and the CAS.
			l.unstall(id.UUID)
			return (<-ch).unpack(op)
		}
		return 0, &ProbeError{Kind: ProbeTransient, Op: op, Err: ErrProbeTimeout}
	}
}

type callResult struct {
	value    float64
	ret      nvml.Return
	panicked any
}

func (r callResult) unpack(op string) (float64, error) {
	if r.panicked != nil {
		return 0, &ProbeError{Kind: ProbeUnknown, Op: op, Err: fmt.Errorf("panic: %v", r.panicked)}
	}
	if r.ret != nvml.SUCCESS {
		return 0, classifyReturn(op, r.ret)
	}
	return r.value, nil
}

// StalledDevices returns the UUIDs with an abandoned call still running in
// the driver, sorted.
func (l *Library) StalledDevices() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.stalled))
	for uuid, n := range l.stalled {
		if n > 0 {
			out = append(out, uuid)
		}
	}
	slices.Sort(out)
	return out
}

// DriverVersion returns the installed kernel driver version.
func (l *Library) DriverVersion() (string, error) {
	return l.systemString("SystemGetDriverVersion", l.iface.SystemGetDriverVersion)
}

// NVMLVersion returns the NVML library version.
func (l *Library) NVMLVersion() (string, error) {
	return l.systemString("SystemGetNVMLVersion", l.iface.SystemGetNVMLVersion)
}

func (l *Library) systemString(op string, fn func() (string, nvml.Return)) (string, error) {
	release, err := l.Acquire()
	if err != nil {
		return "", err
	}
	defer release()

	v, ret := fn()
	if ret != nvml.SUCCESS {
		return "", classifyReturn(op, ret)
	}
	return v, nil
}

// Shutdown releases NVML, waiting as long as it takes for outstanding
// foreign calls. See ShutdownContext.
func (l *Library) Shutdown() error {
	return l.ShutdownContext(context.Background())
}

// ShutdownContext releases NVML. It waits for every holder of the guard to
// release it, then for every outstanding foreign call to return. If ctx ends
// first NVML is left initialized and ErrShutdownIncomplete is returned; the
// Library refuses new queries either way and a later call may retry the
// release. Calls after a successful one are no-ops.
func (l *Library) ShutdownContext(ctx context.Context) error {
	l.guard.Lock()
	if l.released {
		l.guard.Unlock()
		return nil
	}
	l.state.Store(int32(StateShutDown))
	// No Acquire can succeed from here on, so calls only shrinks.
	l.guard.Unlock()

	drained := make(chan struct{})
	go func() {
		l.calls.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("%w: stalled devices %v: %w", ErrShutdownIncomplete, l.StalledDevices(), ctx.Err())
	}

	l.guard.Lock()
	defer l.guard.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	l.mu.Lock()
	l.handles = nil
	l.mu.Unlock()

	ret := l.iface.Shutdown()
	readyLibrary.Store(false)
	if ret != nvml.SUCCESS {
		return fmt.Errorf("gpu: nvml shutdown: %w", ret)
	}
	return nil
}

func (l *Library) isStalled(uuid string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stalled[uuid] > 0
}

func (l *Library) stall(uuid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stalled[uuid]++
}

func (l *Library) unstall(uuid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stalled[uuid]--; l.stalled[uuid] <= 0 {
		delete(l.stalled, uuid)
	}
}

func (l *Library) handle(uuid string) (nvml.Device, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	dev, ok := l.handles[uuid]
	return dev, ok
}

func (l *Library) storeHandle(uuid string, dev nvml.Device) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.handles[uuid]; dup {
		return false
	}
	l.handles[uuid] = dev
	return true
}
