//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerShutterModule registers the `shutter` global table in a Lua state.
func registerShutterModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return shutterOn(L, vm)
	}))

	mod.RawSetString("lower", L.NewFunction(func(L *lua.LState) int {
		id := L.CheckString(1)
		if err := e.ctrl.Lower(id); err != nil {
			e.logger.Error("script lower", "shutter", id, "err", err)
		}
		return 0
	}))

	mod.RawSetString("rise", L.NewFunction(func(L *lua.LState) int {
		id := L.CheckString(1)
		if err := e.ctrl.Rise(id); err != nil {
			e.logger.Error("script rise", "shutter", id, "err", err)
		}
		return 0
	}))

	mod.RawSetString("stop", L.NewFunction(func(L *lua.LState) int {
		id := L.CheckString(1)
		if err := e.ctrl.StopShutter(id); err != nil {
			e.logger.Error("script stop", "shutter", id, "err", err)
		}
		return 0
	}))

	mod.RawSetString("set_position", L.NewFunction(func(L *lua.LState) int {
		return shutterSetPosition(L, e)
	}))

	mod.RawSetString("position", L.NewFunction(func(L *lua.LState) int {
		id := L.CheckString(1)
		position, err := e.ctrl.Position(id)
		if err != nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LNumber(position))
		return 1
	}))

	mod.RawSetString("shutters", L.NewFunction(func(L *lua.LState) int {
		return shutterList(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return shutterAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		e.logger.Info("script log", "msg", msg)
		return 0
	}))

	L.SetGlobal("shutter", mod)
}

const maxHandlersPerScript = 100

// shutter.on(type, filter, callback)
func shutterOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("shutter"); v != lua.LNil {
		h.shutter = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// shutter.set_position(id, target)
func shutterSetPosition(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	target := L.CheckInt(2)
	target = min(100, max(0, target))

	position, err := e.ctrl.Position(id)
	if err != nil {
		e.logger.Warn("script set_position for unknown shutter", "shutter", id)
		return 0
	}

	// Partial moves block for the travel time; keep the VM command loop free.
	go func() {
		var err error
		switch {
		case target < position:
			err = e.ctrl.LowerPartial(id, target)
		case target > position:
			err = e.ctrl.RisePartial(id, target)
		}
		if err != nil {
			e.logger.Error("script set_position", "shutter", id, "err", err)
		}
	}()
	return 0
}

// shutter.shutters() — returns a table of all configured shutters
func shutterList(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	i := 0
	for id, cfg := range e.ctrl.Shutters() {
		position, err := e.ctrl.Position(id)
		if err != nil {
			continue
		}
		s := L.NewTable()
		s.RawSetString("id", lua.LString(id))
		s.RawSetString("name", lua.LString(cfg.Name))
		s.RawSetString("position", lua.LNumber(position))
		i++
		tbl.RawSetInt(i, s)
	}
	L.Push(tbl)
	return 1
}

// shutter.after(seconds, callback) — delayed execution
func shutterAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		// Send callback execution to the VM's command channel
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}
