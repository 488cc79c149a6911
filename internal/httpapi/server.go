// Package httpapi exposes the governor control surface over HTTP:
// tunable inspection and updates, boost triggers, input and migration
// event injection, and policy limit control.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/alesaiko/breakfast-hammerhead/internal/boost"
	"github.com/alesaiko/breakfast-hammerhead/internal/cpufreq"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor/conservative"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor/interactive"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor/ondemand"
)

// Server serves the control API. Any governor handle may be nil, in
// which case its endpoints answer 404.
type Server struct {
	log logr.Logger
	reg *cpufreq.Registry

	od      *ondemand.Governor
	cs      *conservative.Governor
	it      *interactive.Governor
	booster *boost.Booster

	srv *http.Server
}

func New(log logr.Logger, addr string, reg *cpufreq.Registry,
	od *ondemand.Governor, cs *conservative.Governor, it *interactive.Governor,
	booster *boost.Booster,
) *Server {
	s := &Server{
		log:     log,
		reg:     reg,
		od:      od,
		cs:      cs,
		it:      it,
		booster: booster,
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/governors/{governor}/tunables", s.handleGetTunables).Methods(http.MethodGet)
	api.HandleFunc("/governors/{governor}/tunables", s.handlePutTunables).Methods(http.MethodPut)

	api.HandleFunc("/boost", s.handleBoost).Methods(http.MethodPost)
	api.HandleFunc("/boostpulse", s.handleBoostpulse).Methods(http.MethodPost)
	api.HandleFunc("/input", s.handleInput).Methods(http.MethodPost)
	api.HandleFunc("/migrations", s.handleMigration).Methods(http.MethodPost)

	api.HandleFunc("/policies", s.handlePolicies).Methods(http.MethodGet)
	api.HandleFunc("/policies/{policy}/limits", s.handlePutLimits).Methods(http.MethodPut)

	api.HandleFunc("/units", s.handleUnits).Methods(http.MethodGet)
	api.HandleFunc("/units/{unit}/online", s.handleUnitOnline).Methods(http.MethodPost)

	return r
}

// ListenAndServe blocks serving the API until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("serving control API", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.V(4).Info("response encoding failed", "error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleGetTunables(w http.ResponseWriter, r *http.Request) {
	switch mux.Vars(r)["governor"] {
	case "ondemand":
		if s.od == nil {
			http.NotFound(w, r)
			return
		}
		s.writeJSON(w, http.StatusOK, ondemandDTO(s.od.Tunables()))
	case "conservative":
		if s.cs == nil {
			http.NotFound(w, r)
			return
		}
		s.writeJSON(w, http.StatusOK, conservativeDTO(s.cs.Tunables()))
	case "interactive":
		if s.it == nil {
			http.NotFound(w, r)
			return
		}
		s.writeJSON(w, http.StatusOK, interactiveDTO(s.it.Tunables()))
	case "cpu-boost":
		if s.booster == nil {
			http.NotFound(w, r)
			return
		}
		s.writeJSON(w, http.StatusOK, boostDTO(s.booster))
	default:
		http.NotFound(w, r)
	}
}

// handlePutTunables decodes the request over a copy of the active set,
// so omitted fields keep their values, and installs the result as one
// atomic update. A validation failure leaves the active set untouched.
func (s *Server) handlePutTunables(w http.ResponseWriter, r *http.Request) {
	var err error

	switch mux.Vars(r)["governor"] {
	case "ondemand":
		if s.od == nil {
			http.NotFound(w, r)
			return
		}
		dto := ondemandDTO(s.od.Tunables())
		if err = json.NewDecoder(r.Body).Decode(&dto); err == nil {
			err = s.od.Update(dto.tunables())
		}
	case "conservative":
		if s.cs == nil {
			http.NotFound(w, r)
			return
		}
		dto := conservativeDTO(s.cs.Tunables())
		if err = json.NewDecoder(r.Body).Decode(&dto); err == nil {
			err = s.cs.Update(dto.tunables())
		}
	case "interactive":
		if s.it == nil {
			http.NotFound(w, r)
			return
		}
		dto := interactiveDTO(s.it.Tunables())
		if err = json.NewDecoder(r.Body).Decode(&dto); err == nil {
			var t interactive.Tunables
			if t, err = dto.tunables(); err == nil {
				err = s.it.Update(t)
			}
		}
	case "cpu-boost":
		if s.booster == nil {
			http.NotFound(w, r)
			return
		}
		dto := boostDTO(s.booster)
		if err = json.NewDecoder(r.Body).Decode(&dto); err == nil {
			err = dto.apply(s.booster)
		}
	default:
		http.NotFound(w, r)
		return
	}

	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.handleGetTunables(w, r)
}

func (s *Server) handleBoost(w http.ResponseWriter, r *http.Request) {
	if s.it == nil {
		http.NotFound(w, r)
		return
	}
	var req struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.it.SetBoost(req.On)
	s.writeJSON(w, http.StatusOK, map[string]bool{"on": req.On})
}

func (s *Server) handleBoostpulse(w http.ResponseWriter, r *http.Request) {
	if s.it == nil {
		http.NotFound(w, r)
		return
	}
	s.it.Boostpulse()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	s.reg.Bus().PublishInput(cpufreq.InputEvent{})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMigration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SrcUnit  int  `json:"src_unit"`
		DestUnit int  `json:"dest_unit"`
		Load     uint `json:"load"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.reg.Bus().PublishMigration(cpufreq.MigrationEvent{
		SrcUnit:  req.SrcUnit,
		DestUnit: req.DestUnit,
		TaskLoad: req.Load,
	})
	w.WriteHeader(http.StatusNoContent)
}

type policyInfo struct {
	Leader  int   `json:"leader"`
	Units   []int `json:"units"`
	Cur     uint  `json:"cur_khz"`
	Min     uint  `json:"min_khz"`
	Max     uint  `json:"max_khz"`
	HWMin   uint  `json:"hw_min_khz"`
	HWMax   uint  `json:"hw_max_khz"`
	Latency int64 `json:"transition_latency_us"`
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	policies := s.reg.Policies()
	out := make([]policyInfo, 0, len(policies))
	for _, p := range policies {
		lim := p.Snapshot()
		out = append(out, policyInfo{
			Leader:  p.Leader(),
			Units:   p.Units(),
			Cur:     lim.Cur,
			Min:     lim.Min,
			Max:     lim.Max,
			HWMin:   lim.HWMin,
			HWMax:   lim.HWMax,
			Latency: p.TransitionLatency().Microseconds(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutLimits(w http.ResponseWriter, r *http.Request) {
	leader, err := strconv.Atoi(mux.Vars(r)["policy"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.reg.Policy(leader)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}

	var req struct {
		Min uint `json:"min_khz"`
		Max uint `json:"max_khz"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.reg.SetUserLimits(p, req.Min, req.Max); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	lim := p.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]uint{"min_khz": lim.Min, "max_khz": lim.Max})
}

type unitInfo struct {
	Unit   int  `json:"unit"`
	Online bool `json:"online"`
	Policy int  `json:"policy"`
}

func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	var out []unitInfo
	for _, p := range s.reg.Policies() {
		for _, u := range p.Units() {
			out = append(out, unitInfo{Unit: u, Online: s.reg.IsOnline(u), Policy: p.Leader()})
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUnitOnline(w http.ResponseWriter, r *http.Request) {
	unit, err := strconv.Atoi(mux.Vars(r)["unit"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.reg.SetOnline(unit, req.Online)
	w.WriteHeader(http.StatusNoContent)
}
