package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// a hook that raises its context error after the app shut down is not a fault
func isCanceledError(r any) bool {
	err, ok := r.(error)
	if !ok {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// runs `do` and recovers a panic. Handlers are `func()` or `func(error)`
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		r = recover()
		if r == nil {
			return
		}
		if isCanceledError(r) {
			glog.V(2).Infof("[trace]canceled = %s\n", r)
		} else {
			glog.Warningf("[trace]unexpected error = %s\n", panicJson(r, debug.Stack()))
		}
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("%v", r)
		}
		for _, handler := range handlers {
			switch v := handler.(type) {
			case func():
				v()
			case func(error):
				v(err)
			}
		}
	}()
	do()
	return
}

func panicJson(r any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	out, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%v", r, r),
		"stack": stackLines,
	})
	return string(out)
}

// logs the duration of `do` under `tag`
func Trace(tag string, do func()) {
	trace(tag, func() string {
		do()
		return ""
	})
}

func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	trace(tag, func() string {
		result, returnErr = do()
		if returnErr != nil {
			return fmt.Sprintf(" err = %s", returnErr)
		}
		return ""
	})
	return
}

func trace(tag string, do func() string) {
	start := time.Now()
	glog.Infof("%s start\n", tag)
	suffix := do()
	glog.Infof("%s end (%s)%s\n", tag, time.Since(start), suffix)
}
