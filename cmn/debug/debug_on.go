//go:build debug

package debug

import "sync"

func ON() bool { return true }

func Assert(cond bool, args ...any) {
	if !cond {
		panic(assertMsg(args...))
	}
}

func AssertFunc(f func() bool, args ...any) {
	if !f() {
		panic(assertMsg(args...))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic(err)
	}
}

func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(assertMsgf(format, args...))
	}
}

// AssertMutexLocked is best-effort: sync.Mutex exposes no public
// "is locked" query, so this only documents intent at call sites
// compiled with `-tags debug`.
func AssertMutexLocked(_ *sync.Mutex)     {}
func AssertRWMutexLocked(_ *sync.RWMutex) {}
