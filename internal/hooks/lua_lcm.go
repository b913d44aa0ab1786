//go:build !no_hooks

package hooks

import (
	"errors"
	"slices"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"lcm-console/internal/device"
)

const maxHandlersPerScript = 100

// registerLCMModule registers the `lcm` global table in a Lua state.
func registerLCMModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":              func(L *lua.LState) int { return lcmOn(L, vm) },
		"after":           func(L *lua.LState) int { return lcmAfter(L, vm, e) },
		"log":             func(L *lua.LState) int { return lcmLog(L, vm, e) },
		"devices":         func(L *lua.LState) int { return lcmDevices(L, e) },
		"device":          func(L *lua.LState) int { return lcmDevice(L, e) },
		"set_error":       func(L *lua.LState) int { return lcmSetError(L, e) },
		"clear_error":     func(L *lua.LState) int { return lcmClearError(L, e) },
		"set_fatal_error": func(L *lua.LState) int { return lcmSetFatalError(L, e) },
		"reconnect":       func(L *lua.LState) int { return lcmReconnect(L, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("lcm", mod)
}

// lcm.on(type, [filter], callback). type "*" matches every event; filter
// may carry `id` and `state`.
func lcmOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}

	if L.GetTop() >= 3 {
		filter := L.CheckTable(2)
		if v := filter.RawGetString("id"); v != lua.LNil {
			h.id = v.String()
		}
		if v := filter.RawGetString("state"); v != lua.LNil {
			h.state = v.String()
		}
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// lcm.after(seconds, callback)
func lcmAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command queue full")
		}
	}()
	return 0
}

// lcm.log(msg)
func lcmLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logf != nil {
		vm.logf(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}

// lcm.devices() returns every known device record, ordered by id.
func lcmDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	if e.registry == nil {
		L.Push(tbl)
		return 1
	}
	all := e.registry.All()
	slices.SortFunc(all, func(a, b device.ManagedDevice) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	for i, d := range all {
		tbl.RawSetInt(i+1, goToLua(L, d))
	}
	L.Push(tbl)
	return 1
}

// lcm.device(id) returns the record or nil.
func lcmDevice(L *lua.LState, e *Engine) int {
	id := device.DeviceID(L.CheckString(1))
	if e.registry != nil {
		if d, ok := e.registry.Get(id); ok {
			L.Push(goToLua(L, d))
			return 1
		}
	}
	L.Push(lua.LNil)
	return 1
}

// lcm.set_error(msg)
func lcmSetError(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	if e.status != nil {
		e.status.SetError(errors.New(msg))
	}
	return 0
}

// lcm.clear_error()
func lcmClearError(_ *lua.LState, e *Engine) int {
	if e.status != nil {
		e.status.ClearError()
	}
	return 0
}

// lcm.set_fatal_error(msg)
func lcmSetFatalError(L *lua.LState, e *Engine) int {
	msg := L.OptString(1, "")
	if e.status != nil {
		e.status.SetFatalError(msg)
	}
	return 0
}

// lcm.reconnect() returns true, or false and the error text.
func lcmReconnect(L *lua.LState, e *Engine) int {
	if e.ctrl == nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString("reconnect not available"))
		return 2
	}
	if err := e.ctrl.Reconnect(); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}
