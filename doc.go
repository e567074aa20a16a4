// Hook Go functions at runtime and keep a way to call the original.
//
// Install redirects one function to another of the same type and returns a
// trampoline of that type which runs the original code:
//
//	var origNow = detour.NewSlot[func() time.Time]("origNow")
//
//	func fakeNow() time.Time {
//		return origNow.Get()().Add(time.Hour)
//	}
//
//	if err := origNow.Hook(time.Now, fakeNow); err != nil {
//		...
//	}
//
// The type parameter only makes target and replacement agree at compile
// time. Everything else is on the caller:
//   - target must be a function the compiler did not inline; add a
//     noinline directive if it's yours
//   - target cannot be a closure that captures variables
//   - hooks are permanent as far as this package is concerned
//   - calls racing with installation may run either version, so install
//     during startup
//
// The code patching itself lives in package engine.
package detour
