package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

type hasPC interface{ PC() uintptr }

type hasStack interface{ StackPCs() []uintptr }

// errorChain flattens err into distinct messages, outermost first, including
// the direct children of an errors.Join.
func errorChain(err error) []string {
	var out []string
	var prev string
	add := func(e error) {
		if msg := e.Error(); msg != prev {
			out = append(out, msg)
			prev = msg
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e)
	}
	if m, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range m.Unwrap() {
			add(e)
		}
	}
	return out
}

// chainLinks records where each wrap in the chain happened. The outermost
// link is always present; inner links only when a position is known.
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	for depth, e := 0, err; e != nil && (max <= 0 || depth < max); depth, e = depth+1, errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		fn, file, line, ok := "", "", 0, false
		switch v := e.(type) {
		case hasPC:
			fn, file, line, ok = frameFromPC(v.PC())
		case hasStack:
			fn, file, line, ok = firstExtFrame(v.StackPCs())
		}
		if ok {
			link["func"], link["file"], link["line"] = fn, file, line
		}
		if depth == 0 || ok {
			links = append(links, link)
		}
	}
	return links
}

func frameFromPC(pc uintptr) (fn, file string, line int, ok bool) {
	if pc == 0 {
		return "", "", 0, false
	}
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return fr.Function, fr.File, fr.Line, true
}

func firstExtFrame(pcs []uintptr) (fn, file string, line int, ok bool) {
	frames := runtime.CallersFrames(pcs)
	for len(pcs) > 0 {
		fr, more := frames.Next()
		if !strings.HasPrefix(fr.Function, "runtime.") && !isPlumbing(fr.Function, true) {
			return fr.Function, fr.File, fr.Line, true
		}
		if !more {
			break
		}
	}
	return "", "", 0, false
}

// classifyTypes reports the first non-wrapper type in the chain (surface) and
// the innermost type (root).
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	var last error
	for e := err; e != nil; e = errors.Unwrap(e) {
		last = e
		if surface != "" {
			continue
		}
		t := reflect.TypeOf(e)
		u := t
		for u.Kind() == reflect.Ptr {
			u = u.Elem()
		}
		if strings.Contains(u.PkgPath(), "/internal/xerrors") {
			continue
		}
		if u.PkgPath() == "fmt" && u.Name() == "wrapError" {
			continue
		}
		surface = t.String()
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", last)
}
