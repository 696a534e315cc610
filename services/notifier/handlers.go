package notifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"zeroshare/pkg/telemetry"
)

const maxBodyBytes = 1 << 20

// RouterOptions configures the HTTP surface.
type RouterOptions struct {
	Notifier       *Notifier
	Recipients     []string
	AllowedOrigins []string
	// Ready reports whether downstream dependencies are usable. Nil means always ready.
	Ready    func() error
	Gatherer prometheus.Gatherer
	Service  string
	Logger   zerolog.Logger
}

type server struct {
	n          *Notifier
	recipients []string
	logger     zerolog.Logger
}

// Router builds the notifier HTTP handler.
func Router(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	allowed := opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))
	r.Use(httprate.Limit(100, time.Minute))
	if opts.Service != "" {
		r.Use(telemetry.Middleware(opts.Service, opts.Logger))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if opts.Ready != nil {
			if err := opts.Ready(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s := &server{n: opts.Notifier, recipients: opts.Recipients, logger: opts.Logger}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/events/storage", s.handleStorageEvent)
		r.Post("/notifications", s.handleNotify)
		r.Post("/notifications/preview", s.handlePreview)
	})
	return r
}

type notifyRequest struct {
	Objects    []ObjectRef `json:"objects"`
	Recipients []string    `json:"recipients,omitempty"`
}

type recordView struct {
	Record
	Error string `json:"error,omitempty"`
}

type resultView struct {
	Success   bool         `json:"success"`
	ID        string       `json:"id,omitempty"`
	Records   []recordView `json:"records,omitempty"`
	Sent      bool         `json:"sent"`
	SendError string       `json:"send_error,omitempty"`
	Message   *Message     `json:"message,omitempty"`
	Error     string       `json:"error,omitempty"`
}

func viewOf(res Result) resultView {
	v := resultView{Success: true, ID: res.ID.String(), Sent: res.Sent}
	for _, rec := range res.Records {
		rv := recordView{Record: rec}
		if rec.Err != nil {
			rv.Error = rec.Err.Error()
		}
		v.Records = append(v.Records, rv)
	}
	if res.SendErr != nil {
		v.SendError = res.SendErr.Error()
	}
	return v
}

func (s *server) handleStorageEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ev, err := ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := s.n.HandleEvent(r.Context(), ev, s.recipients)
	writeJSON(w, http.StatusAccepted, viewOf(res))
}

func (s *server) handleNotify(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	recipients := req.Recipients
	if len(recipients) == 0 {
		recipients = s.recipients
	}
	res := s.n.NotifyObjects(r.Context(), req.Objects, recipients)
	writeJSON(w, http.StatusAccepted, viewOf(res))
}

func (s *server) handlePreview(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	res, err := s.n.Preview(r.Context(), req.Objects)
	if err != nil {
		s.logger.Error().Err(err).Msg("render preview")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	v := viewOf(res)
	v.Message = &res.Message
	writeJSON(w, http.StatusOK, v)
}

func (s *server) decode(w http.ResponseWriter, r *http.Request) (notifyRequest, bool) {
	var req notifyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, false
	}
	if len(req.Objects) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("objects must not be empty"))
		return req, false
	}
	for _, obj := range req.Objects {
		if obj.Key == "" {
			writeError(w, http.StatusBadRequest, errors.New("object key is required"))
			return req, false
		}
		if !IsPackageKey(obj.Key) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("key %q is not a package under %s", obj.Key, KeyPrefix))
			return req, false
		}
	}
	return req, true
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, resultView{Success: false, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
