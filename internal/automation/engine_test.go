//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"somfy-go-home/internal/controller"
	"somfy-go-home/internal/rts"
	"somfy-go-home/internal/store"
)

// fakeTransmitter counts transmitted pulse trains.
type fakeTransmitter struct {
	mu     sync.Mutex
	trains int
}

func (f *fakeTransmitter) Setup(uint32) error { return nil }

func (f *fakeTransmitter) Transmit(context.Context, []rts.Pulse) error {
	f.mu.Lock()
	f.trains++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransmitter) Close() error { return nil }

func (f *fakeTransmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trains
}

// memStore is an in-memory rolling code store.
type memStore struct {
	mu    sync.Mutex
	codes map[string]uint16
}

func (s *memStore) NextCode(id string) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[id]
	if !ok {
		return 0, fmt.Errorf("shutter %s: %w", id, store.ErrNotFound)
	}
	s.codes[id] = code + 1
	return code, nil
}

func (s *memStore) GetCode(id string) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[id]
	if !ok {
		return 0, fmt.Errorf("shutter %s: %w", id, store.ErrNotFound)
	}
	return code, nil
}

func (s *memStore) SeedCode(id string, code uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[id]; !ok {
		s.codes[id] = code
	}
	return nil
}

func (s *memStore) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestEngine(t *testing.T) (*Engine, *controller.Controller, *fakeTransmitter) {
	t.Helper()

	cfg := controller.Config{
		Shutters: map[string]controller.ShutterConfig{
			"1": {Name: "Living Room", DurationDown: 0.02, DurationUp: 0.02, Code: 1},
			"2": {Name: "Kitchen", DurationDown: 0.02, DurationUp: 0.02, Code: 1},
		},
		SendRepeat: 2,
	}

	st := &memStore{codes: make(map[string]uint16)}
	for id, sc := range cfg.Shutters {
		if err := st.SeedCode(id, sc.Code); err != nil {
			t.Fatal(err)
		}
	}

	tx := &fakeTransmitter{}
	ctrl := controller.New(tx, st, controller.NewEventBus(testLogger()), cfg, testLogger())
	t.Cleanup(ctrl.Stop)

	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	engine := NewEngine(ctrl, mgr, testLogger())
	t.Cleanup(engine.Stop)

	return engine, ctrl, tx
}

func TestScriptReactsToPositionChange(t *testing.T) {
	engine, ctrl, tx := setupTestEngine(t)

	script := &Script{
		Meta: ScriptMeta{Name: "Follow", Enabled: true},
		LuaCode: `shutter.on("position_change", {shutter = "1"}, function(event)
  if event.position == 0 then
    shutter.lower("2")
  end
end)`,
	}
	if _, err := engine.manager.Save(script); err != nil {
		t.Fatal(err)
	}

	engine.Start()

	ctrl.Events().Emit(controller.Event{
		Type: controller.EventPositionChange,
		Data: map[string]interface{}{"id": "1", "position": 0},
	})

	deadline := time.Now().Add(2 * time.Second)
	for tx.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tx.count() != 1 {
		t.Fatalf("transmitted %d trains, want 1", tx.count())
	}
}

func TestScriptFilterSkipsOtherShutters(t *testing.T) {
	engine, ctrl, tx := setupTestEngine(t)

	script := &Script{
		Meta: ScriptMeta{Name: "Follow", Enabled: true},
		LuaCode: `shutter.on("position_change", {shutter = "1"}, function(event)
  shutter.lower("2")
end)`,
	}
	if _, err := engine.manager.Save(script); err != nil {
		t.Fatal(err)
	}

	engine.Start()

	ctrl.Events().Emit(controller.Event{
		Type: controller.EventPositionChange,
		Data: map[string]interface{}{"id": "2", "position": 0},
	})

	time.Sleep(100 * time.Millisecond)
	if tx.count() != 0 {
		t.Fatalf("transmitted %d trains for filtered-out shutter", tx.count())
	}
}

func TestDispatchSkipsCancelledVM(t *testing.T) {
	engine, _, _ := setupTestEngine(t)

	script := &Script{
		Meta: ScriptMeta{Name: "Two Handlers", Enabled: true},
		LuaCode: `shutter.on("position_change", {}, function(event) end)
shutter.on("position_change", {}, function(event) end)`,
	}
	if _, err := engine.manager.Save(script); err != nil {
		t.Fatal(err)
	}

	engine.Start()

	engine.mu.Lock()
	vm, ok := engine.vms[script.ID]
	engine.mu.Unlock()
	if !ok {
		t.Fatal("script VM not running")
	}

	// Cancel the VM but leave it registered, as happens when an event
	// races a script shutdown. Dispatch must not queue work for it.
	vm.cancel()
	engine.dispatchEvent(controller.Event{
		Type: controller.EventPositionChange,
		Data: map[string]interface{}{"id": "1", "position": 0},
	})

	if pending := len(vm.commands); pending != 0 {
		t.Errorf("queued %d commands for a cancelled VM, want 0", pending)
	}
}

func TestDisabledScriptNotStarted(t *testing.T) {
	engine, _, _ := setupTestEngine(t)

	script := &Script{
		Meta:    ScriptMeta{Name: "Off", Enabled: false},
		LuaCode: `shutter.log("should not run")`,
	}
	if _, err := engine.manager.Save(script); err != nil {
		t.Fatal(err)
	}

	engine.Start()

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.vms) != 0 {
		t.Errorf("running VMs = %d, want 0", len(engine.vms))
	}
}

func TestRunLuaCodeCapturesLogs(t *testing.T) {
	engine, _, _ := setupTestEngine(t)

	result := engine.RunLuaCode(`shutter.log("hello")
shutter.log("world")`)

	if !result.OK {
		t.Fatalf("run failed: %s", result.Error)
	}
	if len(result.Logs) != 2 || result.Logs[0] != "hello" || result.Logs[1] != "world" {
		t.Errorf("logs = %v, want [hello world]", result.Logs)
	}
}

func TestRunLuaCodeReportsErrors(t *testing.T) {
	engine, _, _ := setupTestEngine(t)

	result := engine.RunLuaCode(`this is not lua`)
	if result.OK {
		t.Fatal("expected run to fail")
	}
	if result.Error == "" {
		t.Error("expected an error message")
	}
}

func TestSandboxRemovesDangerousLibs(t *testing.T) {
	engine, _, _ := setupTestEngine(t)

	result := engine.RunLuaCode(`if os ~= nil or io ~= nil or require ~= nil then
  error("sandbox leak")
end`)
	if !result.OK {
		t.Fatalf("sandbox check failed: %s", result.Error)
	}
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"uint16", uint16(1024), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := goToLua(L, tt.val)
			if result.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, result.Type(), tt.want)
			}
		})
	}
}

func TestMatchesHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler luaEventHandler
		evType  string
		evData  map[string]interface{}
		want    bool
	}{
		{
			"exact match",
			luaEventHandler{eventType: "position_change", shutter: "1"},
			"position_change",
			map[string]interface{}{"id": "1", "position": 50},
			true,
		},
		{
			"wrong event type",
			luaEventHandler{eventType: "position_change"},
			"command",
			map[string]interface{}{},
			false,
		},
		{
			"shutter filter mismatch",
			luaEventHandler{eventType: "position_change", shutter: "1"},
			"position_change",
			map[string]interface{}{"id": "2"},
			false,
		},
		{
			"no filter matches any",
			luaEventHandler{eventType: "position_change"},
			"position_change",
			map[string]interface{}{"id": "2", "position": 10},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchesHandler(tt.handler, controller.Event{
				Type: tt.evType,
				Data: tt.evData,
			})
			if got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}
