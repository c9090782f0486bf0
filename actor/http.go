package actor

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/sdss/lvmscp/bus"
	"github.com/sdss/lvmscp/imgrec"
	"github.com/sdss/lvmscp/server"
	"github.com/sdss/lvmscp/server/middleware/locker"
)

// ExposeBody is the JSON body of POST /expose
type ExposeBody struct {
	Flavour      string            `json:"flavour"`
	ExposureTime float64           `json:"exptime"`
	Controllers  []string          `json:"controllers"`
	NoReadout    bool              `json:"no_readout"`
	Header       map[string]string `json:"header"`

	LampCurrent   string `json:"lamp_current"`
	TestNo        string `json:"test_no"`
	TestIteration string `json:"test_iteration"`
	Purpose       string `json:"purpose"`
	Notes         string `json:"notes"`
}

// Args converts the body to expose command arguments
func (b ExposeBody) Args() []string {
	var args []string
	if b.Flavour != "" {
		args = append(args, "--"+b.Flavour)
	}
	for _, c := range b.Controllers {
		args = append(args, "-c", c)
	}
	if b.NoReadout {
		args = append(args, "--no-readout")
	}
	for k, v := range b.Header {
		args = append(args, "-k", k+"="+v)
	}
	for _, f := range []struct{ flag, v string }{
		{"--lamp-current", b.LampCurrent},
		{"--test-no", b.TestNo},
		{"--test-iteration", b.TestIteration},
		{"--purpose", b.Purpose},
		{"--notes", b.Notes},
	} {
		if f.v != "" {
			args = append(args, f.flag, f.v)
		}
	}
	return append(args, strconv.FormatFloat(b.ExposureTime, 'f', -1, 64))
}

// CommandBody is the JSON body of POST /command
type CommandBody struct {
	Command string `json:"command"`
}

// respondResult writes the replies of a command run over HTTP, 200 if it
// finished and 500 if it failed
func respondResult(w http.ResponseWriter, res *bus.Result) {
	w.Header().Set("Content-Type", "application/json")
	if res.DidFail() {
		w.WriteHeader(http.StatusInternalServerError)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(struct {
		Status  string      `json:"status"`
		Replies []bus.Reply `json:"replies"`
	}{res.Status.String(), res.Replies})
}

// RT implements server.HTTPer
func (a *Actor) RT() server.RouteTable {
	return a.routes
}

func (a *Actor) buildRoutes() {
	a.routes = server.RouteTable{
		{Method: http.MethodGet, Path: "/etr"}:    a.httpETR,
		{Method: http.MethodGet, Path: "/state"}:  a.httpState,
		{Method: http.MethodGet, Path: "/status"}: a.httpStatus,
		{Method: http.MethodPost, Path: "/expose"}: func(w http.ResponseWriter, r *http.Request) {
			var body ExposeBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, fmt.Sprintf("error decoding expose body: %v", err), http.StatusBadRequest)
				return
			}
			c := &Collector{}
			a.RunArgs(r.Context(), "expose", body.Args(), c)
			respondResult(w, c.Result(a.Name, "expose"))
		},
		{Method: http.MethodPost, Path: "/command"}: func(w http.ResponseWriter, r *http.Request) {
			var body CommandBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, fmt.Sprintf("error decoding command body: %v", err), http.StatusBadRequest)
				return
			}
			c := &Collector{}
			a.Run(r.Context(), body.Command, c)
			respondResult(w, c.Result(a.Name, body.Command))
		},
	}
	if a.Metrics != nil {
		a.routes[server.MethodPath{Method: http.MethodGet, Path: "/metrics"}] = a.Metrics.Handler().ServeHTTP
	}
	locker.Inject(a, a.Locker)
	if a.recorder != nil {
		imgrec.NewHTTPWrapper(a.recorder).Inject(a)
	}
}

func (a *Actor) httpETR(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Float64}
	if etr, ok := a.etrValue().(float64); ok {
		hp.Float = etr
	} else {
		hp.Null = true
	}
	hp.EncodeAndRespond(w, r)
}

func (a *Actor) httpState(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.String, String: a.Pipeline.State().String()}
	hp.EncodeAndRespond(w, r)
}

func (a *Actor) httpStatus(w http.ResponseWriter, r *http.Request) {
	st, errs := a.controllerStatus(r.Context())
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	data := a.Pipeline.Data()
	out := bus.Fields{
		"state":       a.Pipeline.State().String(),
		"etr":         a.etrValue(),
		"controllers": st,
		"errors":      msgs,
	}
	if data != nil {
		out["exposure_no"] = data.ExposureNo
		out["flavour"] = string(data.Flavour)
	}
	server.RespondJSON(w, out)
}

// HTTPHandler returns the HTTP API: request logging, the lock check and
// the actor's routes
func (a *Actor) HTTPHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(a.Locker.Check)
	a.routes.Bind(r)
	return r
}
