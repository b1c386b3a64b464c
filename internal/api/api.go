// Package api implements the control HTTP surface (C12, spec.md §4.9):
// change_delegation and change_name, plus the additive status/sign/
// metrics introspection endpoints.
//
// Grounded on the teacher's apirouters.go (gorilla/mux sub-router keyed
// off an X-API-Key header) and apihandler_zone.go (single POST endpoint
// dispatching on a command field, JSON request/response envelope).
// Generalized from the teacher's single "/zone" command-dispatch
// endpoint into spec.md's two named resource-shaped endpoints plus the
// status/sign additions, and from encoding/json-only body decoding into
// mitchellh/mapstructure over a loosely-typed JSON body so malformed
// extra fields don't hard-fail the decode the way a strict struct tag
// would.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/miekg/dns"
	"github.com/mitchellh/mapstructure"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sigzone/sigzone/internal/pipeline"
	"github.com/sigzone/sigzone/internal/sigerr"
	"github.com/sigzone/sigzone/internal/store"
)

// Zone bundles what one zone's control-API handlers need: the record
// store, the pipeline driver that signs it, and its apex name.
type Zone struct {
	Store    *store.Store
	Pipeline *pipeline.Driver
	Apex     string
}

// Registry resolves a zone name to its Zone, the way the teacher's
// Zones concurrent-map does (tdns/structs.go's Zones orcaman map),
// generalized to hold a *Zone rather than a *ZoneData.
type Registry struct {
	zones cmap.ConcurrentMap[string, *Zone]
}

func NewRegistry() *Registry { return &Registry{zones: cmap.New[*Zone]()} }

func (r *Registry) Register(name string, z *Zone) { r.zones.Set(dns.Fqdn(name), z) }

func (r *Registry) lookup(name string) (*Zone, bool) {
	return r.zones.Get(dns.Fqdn(name))
}

// Server is the control API's http.Handler plus its dependencies.
type Server struct {
	reg      *Registry
	apiKey   string
	validate *validator.Validate
	router   *mux.Router
}

// NewServer builds the gorilla/mux router: the /api/v1 routes, guarded
// by the X-API-Key header the teacher's apirouters.go uses, plus a
// /metrics route that needs no key.
func NewServer(reg *Registry, apiKey string) (*Server, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api: apikey is not set")
	}
	s := &Server{reg: reg, apiKey: apiKey, validate: validator.New()}

	r := mux.NewRouter().StrictSlash(true)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	sr := r.PathPrefix("/api/v1").Headers("X-API-Key", apiKey).Subrouter()
	sr.Use(requestIDMiddleware)
	sr.HandleFunc("/zone/delegation", s.handleChangeDelegation).Methods(http.MethodPost)
	sr.HandleFunc("/zone/rrset", s.handleChangeName).Methods(http.MethodPost)
	sr.HandleFunc("/zone/sign", s.handleSign).Methods(http.MethodPost)
	sr.HandleFunc("/zone/status", s.handleStatus).Methods(http.MethodPost)

	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		log.Printf("api: %s %s [%s] from %s", r.Method, r.URL.Path, id, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// envelope is the JSON response shape the teacher's ZoneResponse uses:
// a timestamp, an error flag, and either a message or an error string.
type envelope struct {
	Time     time.Time `json:"time"`
	Msg      string    `json:"msg,omitempty"`
	Error    bool      `json:"error"`
	ErrorMsg string    `json:"error_msg,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, e envelope) {
	e.Time = time.Now()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(e); err != nil {
		log.Printf("api: error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeEnvelope(w, status, envelope{Error: true, ErrorMsg: err.Error()})
}

// decodeLoose reads a JSON body into a map and then maps it onto dst via
// mapstructure, matching the DOMAIN STACK's "loosely-typed JSON command
// bodies" wiring for mitchellh/mapstructure.
func decodeLoose(r *http.Request, dst interface{}) error {
	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return sigerr.Malformed("decodeLoose", err)
	}
	if err := mapstructure.Decode(raw, dst); err != nil {
		return sigerr.Malformed("decodeLoose", err)
	}
	return nil
}

type changeDelegationRequest struct {
	Zone  string   `mapstructure:"zone" validate:"required"`
	Point string   `mapstructure:"point" validate:"required"`
	RRs   []string `mapstructure:"rrs"`
}

// handleChangeDelegation implements spec.md §6's
// change_delegation(zone, point, rrs): removes everything at and below
// point and inserts rrs, as a single atomic input-view commit.
func (s *Server) handleChangeDelegation(w http.ResponseWriter, r *http.Request) {
	var req changeDelegationRequest
	if err := decodeLoose(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	z, ok := s.reg.lookup(req.Zone)
	if !ok {
		writeEnvelope(w, http.StatusNotFound, envelope{Error: true, ErrorMsg: fmt.Sprintf("zone %s is unknown", req.Zone)})
		return
	}
	rrs, err := parseRRs(req.RRs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	v := z.Store.View(store.ViewInput)
	err = withRetry(func() error {
		v.Reset()
		applyChangeDelegation(v, req.Point, rrs)
		return v.Commit()
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeEnvelope(w, http.StatusOK, envelope{})
}

type changeNameRequest struct {
	Zone string   `mapstructure:"zone" validate:"required"`
	RRs  []string `mapstructure:"rrs"`
}

// handleChangeName implements spec.md §6's change_name(zone, rrs):
// removes all RRsets whose owner appears in rrs and inserts rrs.
func (s *Server) handleChangeName(w http.ResponseWriter, r *http.Request) {
	var req changeNameRequest
	if err := decodeLoose(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	z, ok := s.reg.lookup(req.Zone)
	if !ok {
		writeEnvelope(w, http.StatusNotFound, envelope{Error: true, ErrorMsg: fmt.Sprintf("zone %s is unknown", req.Zone)})
		return
	}
	rrs, err := parseRRs(req.RRs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	v := z.Store.View(store.ViewInput)
	err = withRetry(func() error {
		v.Reset()
		applyChangeName(v, rrs)
		return v.Commit()
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeEnvelope(w, http.StatusOK, envelope{})
}

type signRequest struct {
	Zone  string `mapstructure:"zone" validate:"required"`
	Force bool   `mapstructure:"force"`
}

// handleSign forces a signing cycle now (additive to spec.md's two
// named operations, per SPEC_FULL.md §4.9).
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := decodeLoose(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	z, ok := s.reg.lookup(req.Zone)
	if !ok {
		writeEnvelope(w, http.StatusNotFound, envelope{Error: true, ErrorMsg: fmt.Sprintf("zone %s is unknown", req.Zone)})
		return
	}
	stats, err := z.Pipeline.RunCycle(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeEnvelope(w, http.StatusOK, envelope{
		Msg: fmt.Sprintf("zone %s: serial %d, %d produced, %d recycled, %d denial RRs rebuilt",
			req.Zone, stats.Serial, stats.Sign.Produced, stats.Sign.Recycled, stats.DenialTouched),
	})
}

type statusRequest struct {
	Zone string `mapstructure:"zone" validate:"required"`
}

// handleStatus reports queue/serial introspection (additive, per
// SPEC_FULL.md §4.9).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeLoose(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	z, ok := s.reg.lookup(req.Zone)
	if !ok {
		writeEnvelope(w, http.StatusNotFound, envelope{Error: true, ErrorMsg: fmt.Sprintf("zone %s is unknown", req.Zone)})
		return
	}
	apexRec, _ := z.Store.View(store.ViewOutput).Take(store.IdxNameReady, dns.Fqdn(z.Apex))
	serial := uint32(0)
	if apexRec != nil {
		if rs, ok := apexRec.Types[dns.TypeSOA]; ok && len(rs.RRs) > 0 {
			if soa, ok := rs.RRs[0].(*dns.SOA); ok {
				serial = soa.Serial
			}
		}
	}
	writeEnvelope(w, http.StatusOK, envelope{Msg: fmt.Sprintf("zone %s: output serial %d", z.Apex, serial)})
}

func parseRRs(lines []string) ([]dns.RR, error) {
	out := make([]dns.RR, 0, len(lines))
	for _, line := range lines {
		rr, err := dns.NewRR(line)
		if err != nil {
			return nil, sigerr.Malformed("parseRRs", err)
		}
		out = append(out, rr)
	}
	return out, nil
}

func applyChangeDelegation(v *store.View, point string, rrs []dns.RR) {
	point = dns.Fqdn(point)
	if rec, ok := v.Take(store.IdxNameUpcoming, point); ok {
		v.Remove(rec)
	}
	for _, r := range v.Descendants(point).Collect() {
		v.Remove(r)
	}
	insertRRs(v, rrs)
}

func applyChangeName(v *store.View, rrs []dns.RR) {
	owners := map[string]bool{}
	for _, rr := range rrs {
		owners[strings.ToLower(rr.Header().Name)] = true
	}
	for owner := range owners {
		if rec, ok := v.Take(store.IdxNameUpcoming, owner); ok {
			v.Remove(rec)
		}
	}
	insertRRs(v, rrs)
}

func insertRRs(v *store.View, rrs []dns.RR) {
	byOwner := make(map[string]*store.Record)
	for _, rr := range rrs {
		owner := strings.ToLower(rr.Header().Name)
		rec, ok := byOwner[owner]
		if !ok {
			rec = v.Place(owner)
			byOwner[owner] = rec
		}
		t := rr.Header().Rrtype
		rs, ok := rec.Types[t]
		if !ok {
			rs = store.NewRRset(t)
			rec.Types[t] = rs
		}
		rs.RRs = append(rs.RRs, rr)
	}
}

// withRetry mirrors pipeline.withConflictRetry for control-API-driven
// input-view commits: a Conflict means another writer (the pipeline's
// own prepare stage, or a concurrent API call) got there first; redo the
// mutation against the now-current snapshot once.
func withRetry(attempt func() error) error {
	err := attempt()
	if err == nil || !sigerr.Is(err, sigerr.KindConflict) {
		return err
	}
	return attempt()
}
