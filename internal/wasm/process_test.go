package wasm

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/woxQAQ/aoxfer/internal/wasm/wasmtest"
	"github.com/woxQAQ/aoxfer/pkg/protocol"
	"go.uber.org/zap/zaptest"
)

// testContentStore is an in-memory ContentStore.
type testContentStore map[string][]byte

func (s testContentStore) Get(_ context.Context, id string) ([]byte, error) {
	b, ok := s[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return b, nil
}

func (s testContentStore) Size(ctx context.Context, id string) (int64, error) {
	b, err := s.Get(ctx, id)
	return int64(len(b)), err
}

func (s testContentStore) ReadAt(ctx context.Context, id string, p []byte, off int64) (int, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if off >= int64(len(b)) {
		return 0, nil
	}
	return copy(p, b[off:]), nil
}

type fixture struct {
	runtime   *Runtime
	loader    *ModuleLoader
	instances *InstanceManager
}

func newFixture(t *testing.T, config *RuntimeConfig) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, config)
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	t.Cleanup(func() { runtime.Close(context.Background()) })

	hostFuncs := NewHostFunctions(logger, testContentStore{"model": []byte("weights")})
	return &fixture{
		runtime:   runtime,
		loader:    NewModuleLoader(runtime, logger),
		instances: NewInstanceManager(runtime, hostFuncs, logger),
	}
}

func (f *fixture) process(t *testing.T, name string, wasm []byte, timeout time.Duration) *Process {
	t.Helper()
	if _, err := f.loader.LoadModuleFromMemory(context.Background(), name, wasm); err != nil {
		t.Fatalf("Failed to load module: %v", err)
	}
	return NewProcess(f.instances, name, timeout, zaptest.NewLogger(t))
}

func evalMessage(data string) *protocol.Message {
	return &protocol.Message{
		ID:     "Foo",
		Target: "Process",
		Owner:  "Test",
		Tags: []protocol.Tag{
			{Name: protocol.TagDataProtocol, Value: "ao"},
			{Name: protocol.TagType, Value: "Message"},
			{Name: protocol.TagAction, Value: "Eval"},
		},
		Data:      data,
		Timestamp: 1,
	}
}

func testEnv() *protocol.Environment {
	return &protocol.Environment{
		Process: protocol.Process{ID: "Test2", Owner: "Test"},
		Module:  protocol.Module{ID: "counter", Owner: "Test"},
	}
}

func TestLoadModuleFromMemory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	module, err := f.loader.LoadModuleFromMemory(ctx, "counter", wasmtest.Counter)
	if err != nil {
		t.Fatalf("Failed to load module: %v", err)
	}

	if module.Name != "counter" {
		t.Errorf("Module name = %s, want 'counter'", module.Name)
	}

	if module.SizeBytes != int64(len(wasmtest.Counter)) {
		t.Errorf("Module size = %d, want %d", module.SizeBytes, len(wasmtest.Counter))
	}

	// Load again should hit cache.
	module2, err := f.loader.LoadModuleFromMemory(ctx, "counter", wasmtest.Counter)
	if err != nil {
		t.Fatalf("Failed to load module from cache: %v", err)
	}

	if module2 != module {
		t.Error("Cache should return the same module instance")
	}
}

func TestLoadModuleFromFile(t *testing.T) {
	f := newFixture(t, nil)

	wasmFile := filepath.Join(t.TempDir(), "counter.wasm")
	if err := os.WriteFile(wasmFile, wasmtest.Counter, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := f.loader.LoadModuleFromFile(context.Background(), wasmFile); err != nil {
		t.Fatalf("Failed to load module from file: %v", err)
	}
}

func TestLoadModuleFromDrive(t *testing.T) {
	f := newFixture(t, nil)

	source := &DriveModuleSource{ID: "counter-id", Drive: testContentStore{"counter-id": wasmtest.Counter}}
	module, err := f.loader.LoadModule(context.Background(), source)
	if err != nil {
		t.Fatalf("Failed to load module from drive: %v", err)
	}
	if module.Name != "counter-id" {
		t.Errorf("Module name = %s, want 'counter-id'", module.Name)
	}

	missing := &DriveModuleSource{ID: "missing", Drive: testContentStore{}}
	if _, err := f.loader.LoadModule(context.Background(), missing); err == nil {
		t.Error("Loading a missing drive module should fail")
	}
}

func TestLoadModuleRejectsMissingExports(t *testing.T) {
	f := newFixture(t, nil)

	// Valid empty module: no memory, no functions.
	empty := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	_, err := f.loader.LoadModuleFromMemory(context.Background(), "empty", empty)
	if _, ok := err.(*SnapshotError); !ok {
		t.Errorf("expected SnapshotError, got %T (%v)", err, err)
	}
}

func TestLoadModuleCompilationError(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.loader.LoadModuleFromMemory(context.Background(), "garbage", []byte("not wasm"))
	if _, ok := err.(*CompilationError); !ok {
		t.Errorf("expected CompilationError, got %T", err)
	}
}

func TestProcessInvokeFresh(t *testing.T) {
	f := newFixture(t, nil)
	p := f.process(t, "counter", wasmtest.Counter, 0)

	res, err := p.Invoke(context.Background(), nil, evalMessage("return 1"), testEnv())
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if res.Output != "\x01" {
		t.Errorf("Output = %q, want %q", res.Output, "\x01")
	}
	if len(res.Memory) != PageSize {
		t.Errorf("Memory size = %d, want %d", len(res.Memory), PageSize)
	}
	if f.runtime.InstanceCount() != 0 {
		t.Errorf("Instance leaked: %d live", f.runtime.InstanceCount())
	}
}

func TestProcessStateEvolvesThroughSnapshots(t *testing.T) {
	f := newFixture(t, nil)
	p := f.process(t, "counter", wasmtest.Counter, 0)
	ctx := context.Background()

	var image []byte
	for want := byte(1); want <= 3; want++ {
		res, err := p.Invoke(ctx, image, evalMessage("tick"), testEnv())
		if err != nil {
			t.Fatalf("Invoke %d failed: %v", want, err)
		}
		if got := wasmtest.CounterValue(res.Memory); got != want {
			t.Errorf("counter = %d, want %d", got, want)
		}
		image = res.Memory
	}

	// Same input image, same result.
	a, err := p.Invoke(ctx, image, evalMessage("tick"), testEnv())
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Invoke(ctx, image, evalMessage("tick"), testEnv())
	if err != nil {
		t.Fatal(err)
	}
	if string(a.Memory) != string(b.Memory) || a.Output != b.Output {
		t.Error("Invoke should be deterministic for identical inputs")
	}
}

func TestProcessRestoresLargerImage(t *testing.T) {
	f := newFixture(t, nil)
	p := f.process(t, "counter", wasmtest.Counter, 0)

	image := make([]byte, 3*PageSize)
	image[0] = 41
	image[len(image)-1] = 0xAB

	res, err := p.Invoke(context.Background(), image, evalMessage("tick"), testEnv())
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(res.Memory) != len(image) {
		t.Fatalf("Memory size = %d, want %d", len(res.Memory), len(image))
	}
	if res.Memory[0] != 42 || res.Memory[len(image)-1] != 0xAB {
		t.Error("Restored image contents were not carried through")
	}
	if image[0] != 41 {
		t.Error("Invoke must not mutate the prior image")
	}
}

func TestProcessRejectsUnalignedImage(t *testing.T) {
	f := newFixture(t, nil)
	p := f.process(t, "counter", wasmtest.Counter, 0)

	_, err := p.Invoke(context.Background(), make([]byte, PageSize+1), evalMessage("tick"), testEnv())
	if _, ok := err.(*SnapshotError); !ok {
		t.Errorf("expected SnapshotError, got %T", err)
	}
}

func TestProcessRejectsImageOverLimit(t *testing.T) {
	f := newFixture(t, &RuntimeConfig{MemoryPages: 2, MaxInstances: 1})
	p := f.process(t, "counter", wasmtest.Counter, 0)

	_, err := p.Invoke(context.Background(), make([]byte, 4*PageSize), evalMessage("tick"), testEnv())
	if _, ok := err.(*SnapshotError); !ok {
		t.Errorf("expected SnapshotError, got %T", err)
	}
}

func TestProcessTrapIsExecutionError(t *testing.T) {
	f := newFixture(t, nil)
	p := f.process(t, "trap", wasmtest.Trap, 0)

	_, err := p.Invoke(context.Background(), nil, evalMessage("boom"), testEnv())
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %T (%v)", err, err)
	}
	if execErr.FunctionName != ExportHandle {
		t.Errorf("FunctionName = %s, want %s", execErr.FunctionName, ExportHandle)
	}
}

func TestProcessTimeout(t *testing.T) {
	f := newFixture(t, nil)
	p := f.process(t, "spin", wasmtest.Spin, 50*time.Millisecond)

	_, err := p.Invoke(context.Background(), nil, evalMessage("spin"), testEnv())
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("expected TimeoutError, got %T (%v)", err, err)
	}
	if f.runtime.InstanceCount() != 0 {
		t.Errorf("Instance leaked after timeout: %d live", f.runtime.InstanceCount())
	}
}

func TestProcessUnknownModule(t *testing.T) {
	f := newFixture(t, nil)
	p := NewProcess(f.instances, "nope", 0, zaptest.NewLogger(t))

	_, err := p.Invoke(context.Background(), nil, evalMessage(""), testEnv())
	if _, ok := err.(*ModuleNotFoundError); !ok {
		t.Errorf("expected ModuleNotFoundError, got %T", err)
	}
}

func TestMemoryHelpers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.loader.LoadModuleFromMemory(ctx, "counter", wasmtest.Counter); err != nil {
		t.Fatal(err)
	}

	instance, err := f.instances.Instantiate(ctx, &InstanceConfig{ModuleName: "counter"})
	if err != nil {
		t.Fatalf("Failed to instantiate: %v", err)
	}
	defer instance.Close(ctx)

	mem := instance.Memory()

	ptr, length, err := mem.WriteString(ctx, "hello\x00world")
	if err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}
	if ptr != wasmtest.ScratchOffset || length != 11 {
		t.Errorf("WriteString = (%d, %d), want (%d, 11)", ptr, length, wasmtest.ScratchOffset)
	}

	s, ok := mem.ReadString(ptr, length)
	if !ok || s != "hello" {
		t.Errorf("ReadString = %q, %v; want hello", s, ok)
	}

	data, ok := mem.ReadBytes(ptr, length)
	if !ok || len(data) != 11 {
		t.Fatalf("ReadBytes = %d bytes, %v", len(data), ok)
	}
	data[0] = 'j'
	if again, _ := mem.ReadString(ptr, length); again != "hello" {
		t.Error("ReadBytes must return a copy")
	}

	if _, ok := mem.ReadBytes(PageSize, 1); ok {
		t.Error("Out of bounds read should fail")
	}

	image, err := mem.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(image)) != mem.Size() {
		t.Errorf("Snapshot size = %d, want %d", len(image), mem.Size())
	}
}

func TestSnapshotAtPageCeiling(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates 8 GiB")
	}

	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.loader.LoadModuleFromMemory(ctx, "counter", wasmtest.Counter); err != nil {
		t.Fatal(err)
	}

	instance, err := f.instances.Instantiate(ctx, &InstanceConfig{ModuleName: "counter"})
	if err != nil {
		t.Fatalf("Failed to instantiate: %v", err)
	}
	mem := instance.Memory()
	if _, ok := mem.mem.Grow(MaxMemoryPages - 1); !ok {
		instance.Close(ctx)
		t.Fatal("Failed to grow memory to the page ceiling")
	}
	if !mem.mem.WriteByte(math.MaxUint32, 7) {
		instance.Close(ctx)
		t.Fatal("Failed to write the last byte")
	}

	const want = int64(MaxMemoryPages) * PageSize
	if mem.Size() != want {
		t.Errorf("Size = %d, want %d", mem.Size(), want)
	}

	image, err := mem.Snapshot()
	instance.Close(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if int64(len(image)) != want {
		t.Fatalf("Snapshot = %d bytes, want %d", len(image), want)
	}
	if image[len(image)-1] != 7 {
		t.Errorf("Last byte = %d, want 7", image[len(image)-1])
	}

	fresh, err := f.instances.Instantiate(ctx, &InstanceConfig{ModuleName: "counter"})
	if err != nil {
		t.Fatalf("Failed to instantiate: %v", err)
	}
	defer fresh.Close(ctx)

	if err := fresh.Memory().Restore(image); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if got := fresh.Memory().Size(); got != want {
		t.Errorf("Restored size = %d, want %d", got, want)
	}
	if b, ok := fresh.Memory().mem.ReadByte(math.MaxUint32); !ok || b != 7 {
		t.Errorf("Restored last byte = %d, %v; want 7", b, ok)
	}
}

func TestProcessWithDebugTracing(t *testing.T) {
	config := DefaultRuntimeConfig()
	config.DebugEnabled = true
	f := newFixture(t, config)
	p := f.process(t, "counter", wasmtest.Counter, 0)

	res, err := p.Invoke(context.Background(), nil, evalMessage("return 1"), testEnv())
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Output != "\x01" {
		t.Errorf("Output = %q, want %q", res.Output, "\x01")
	}
}

func TestHostFunctions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.loader.LoadModuleFromMemory(ctx, "counter", wasmtest.Counter); err != nil {
		t.Fatal(err)
	}

	instance, err := f.instances.Instantiate(ctx, &InstanceConfig{ModuleName: "counter"})
	if err != nil {
		t.Fatal(err)
	}
	defer instance.Close(ctx)

	hostFuncs := f.instances.hostFuncs
	mod := instance.module

	idPtr, idLen, err := instance.Memory().WriteString(ctx, "model")
	if err != nil {
		t.Fatal(err)
	}

	if n := hostFuncs.DriveSize(ctx, mod, idPtr, idLen); n != 7 {
		t.Errorf("DriveSize = %d, want 7", n)
	}

	const dst = 4096
	if n := hostFuncs.DriveRead(ctx, mod, idPtr, idLen, dst, 16, 2); n != 5 {
		t.Errorf("DriveRead = %d, want 5", n)
	}
	if got, _ := instance.Memory().ReadBytes(dst, 5); string(got) != "ights" {
		t.Errorf("DriveRead wrote %q, want ights", got)
	}

	missPtr, missLen, _ := instance.Memory().WriteString(ctx, "nope")
	if n := hostFuncs.DriveSize(ctx, mod, missPtr, missLen); n != driveMissing {
		t.Errorf("DriveSize for missing id = %d, want %d", n, driveMissing)
	}

	// Logging never fails the guest, even with a bad pointer.
	hostFuncs.LogMessage(ctx, mod, 1, idPtr, idLen)
	hostFuncs.LogMessage(ctx, mod, 3, PageSize, 10)
}

func TestInstanceLimit(t *testing.T) {
	f := newFixture(t, &RuntimeConfig{MemoryPages: 16, MaxInstances: 1})
	ctx := context.Background()
	if _, err := f.loader.LoadModuleFromMemory(ctx, "counter", wasmtest.Counter); err != nil {
		t.Fatal(err)
	}

	first, err := f.instances.Instantiate(ctx, &InstanceConfig{ModuleName: "counter"})
	if err != nil {
		t.Fatal(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := f.instances.Instantiate(waitCtx, &InstanceConfig{ModuleName: "counter"}); err == nil {
		t.Fatal("Second instance should block until the first is closed")
	}

	first.Close(ctx)
	second, err := f.instances.Instantiate(ctx, &InstanceConfig{ModuleName: "counter"})
	if err != nil {
		t.Fatalf("Instantiate after close failed: %v", err)
	}
	second.Close(ctx)
}
