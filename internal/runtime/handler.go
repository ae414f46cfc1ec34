package runtime

import (
	"context"
	"reflect"
	goruntime "runtime"
	"strings"

	"github.com/drblury/ramqp/internal/runtime/depends"
)

// HandlerFunc is the body of a message handler. Returning nil acknowledges
// the message; the disposition package has the other outcomes.
type HandlerFunc func(ctx context.Context, s *depends.Scope) error

// Handler is a registered callback together with the dependencies it reads
// from its Scope. Name is used for logging, metrics and the queue name, so it
// must be unique within a Router.
type Handler struct {
	Name    string
	Depends []depends.Dependency
	Func    HandlerFunc
}

// NewHandler builds a Handler named after fn.
func NewHandler(fn HandlerFunc, deps ...depends.Dependency) *Handler {
	return &Handler{Name: FuncName(fn), Depends: deps, Func: fn}
}

// NewNamedHandler builds a Handler with an explicit name. Use it for closures,
// whose derived names are not descriptive.
func NewNamedHandler(name string, fn HandlerFunc, deps ...depends.Dependency) *Handler {
	return &Handler{Name: name, Depends: deps, Func: fn}
}

// FuncName returns the bare name of a function: "github.com/x/y.process"
// becomes "process" and a method value "(*T).process-fm" becomes "process".
func FuncName(fn any) string {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	f := goruntime.FuncForPC(v.Pointer())
	if f == nil {
		return ""
	}
	name := f.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// displayName is Name, or the name derived from Func when Name is empty. It
// never writes to h, so unregistered handlers can be shared between
// goroutines.
func (h *Handler) displayName() string {
	if h.Name != "" {
		return h.Name
	}
	return FuncName(h.Func)
}
