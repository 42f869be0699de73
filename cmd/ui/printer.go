package ui

import (
	"fmt"
	"strings"
)

// IsRawMode indicates if the terminal is currently in raw mode. While raw
// mode is active, bare "\n" writes would stair-step instead of returning the
// cursor to column 0, so every print helper below normalizes to CRLF.
var IsRawMode = false

func crlf(s string) string {
	if !IsRawMode {
		return s
	}
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// Printf mimics fmt.Printf but emits CRLF line endings in raw mode.
func Printf(format string, a ...interface{}) {
	fmt.Print(crlf(fmt.Sprintf(format, a...)))
}

// Print mimics fmt.Print but emits CRLF line endings in raw mode.
func Print(a ...interface{}) {
	fmt.Print(crlf(fmt.Sprint(a...)))
}

// Println mimics fmt.Println but emits CRLF line endings in raw mode,
// including the trailing newline it appends itself.
func Println(a ...interface{}) {
	if IsRawMode {
		fmt.Print(crlf(fmt.Sprint(a...)) + "\r\n")
		return
	}
	fmt.Println(fmt.Sprint(a...))
}
