//go:build debug

package debug

import "fmt"

func assertMsg(args ...any) string {
	if len(args) == 0 {
		return "assertion failed"
	}
	return fmt.Sprint(args...)
}

func assertMsgf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
