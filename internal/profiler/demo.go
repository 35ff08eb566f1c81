package profiler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/armadaproject/profiler/internal/profiler/routing"
)

const maxDemoSleep = 5 * time.Second

// DemoRouter returns the routes served by the demo application the profiler is installed on.
func DemoRouter() *routing.Router {
	router := routing.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "Hello, world")
	})
	router.HandleFunc(`/items/(?P<id>\d+)`, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     routing.PathArgs(r)["id"],
			"method": r.Method,
		})
	})
	router.HandleFunc(`/sleep/(?P<millis>\d+)`, func(w http.ResponseWriter, r *http.Request) {
		millis, err := strconv.Atoi(routing.PathArgs(r)["millis"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		delay := time.Duration(millis) * time.Millisecond
		if delay > maxDemoSleep {
			delay = maxDemoSleep
		}
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
		}
		_, _ = io.WriteString(w, "slept "+delay.String())
	})
	router.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut {
			w.Header().Set("Allow", "POST, PUT")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, _ = io.Copy(w, r.Body)
	})
	return router
}
