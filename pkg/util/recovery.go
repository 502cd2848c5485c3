package util

import (
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

const maxStacksize = 8 * 1024

var panicTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "retrace",
	Name:      "panic_total",
	Help:      "The total number of panic triggered",
})

// RegisterPanicCounter registers the panic counter with reg.
func RegisterPanicCounter(reg prometheus.Registerer) {
	panicTotal = RegisterOrGet(reg, panicTotal)
}

// RecoveryHTTPMiddleware turns a panic in next into a 500 response.
func RecoveryHTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				http.Error(w, fmt.Sprintf("error while processing request: %v", panicError(p)), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func panicError(p interface{}) error {
	stack := make([]byte, maxStacksize)
	stack = stack[:runtime.Stack(stack, true)]
	// keep a multiline stack
	fmt.Fprintf(os.Stderr, "panic: %v\n%s", p, stack)
	panicTotal.Inc()
	return fmt.Errorf("%v", p)
}

// RecoverPanic is a helper function to recover from panic and return an error.
func RecoverPanic(f func() error) func() error {
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = panicError(p)
			}
		}()
		return f()
	}
}
