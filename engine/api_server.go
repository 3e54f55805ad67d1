package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/campusgrid/campusgrid/database/repository/job"
	"github.com/campusgrid/campusgrid/database/repository/ledger"
	"github.com/campusgrid/campusgrid/database/repository/user"
	"github.com/campusgrid/campusgrid/log"
	"github.com/campusgrid/campusgrid/protocol"
)

// apiServer exposes the submission and admin surface over HTTP. It is a
// thin JSON layer over the Coordinator methods; authorisation decisions
// live there, not here.
type apiServer struct {
	started int32
	c       *Coordinator
	srv     *http.Server
}

func newAPIServer(c *Coordinator) *apiServer {
	return &apiServer{c: c}
}

// Start binds the API listener
func (a *apiServer) Start() error {
	if a == nil {
		return fmt.Errorf("api server %w", ErrNilSubsystem)
	}
	if !atomic.CompareAndSwapInt32(&a.started, 0, 1) {
		return fmt.Errorf("api server %w", ErrSubSystemAlreadyStarted)
	}
	log.Debugf(log.APIServer, "API server %s", MsgSubSystemStarting)

	a.srv = &http.Server{
		Addr:              a.c.Config.Coordinator.APIBind,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.c.ServicesWG.Add(1)
	go func() {
		defer a.c.ServicesWG.Done()
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf(log.APIServer, "API server: %v", err)
		}
	}()
	log.Infof(log.APIServer, "API listener on %s", a.srv.Addr)
	return nil
}

// Stop shuts the API listener down, draining in-flight requests
func (a *apiServer) Stop() error {
	if a == nil {
		return fmt.Errorf("api server %w", ErrNilSubsystem)
	}
	if !atomic.CompareAndSwapInt32(&a.started, 1, 0) {
		return fmt.Errorf("api server %w", ErrSubSystemNotStarted)
	}
	log.Debugf(log.APIServer, "API server %s", MsgSubSystemShuttingDown)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.srv.Shutdown(ctx)
}

// IsRunning safely checks the subsystem's state
func (a *apiServer) IsRunning() bool {
	return a != nil && atomic.LoadInt32(&a.started) == 1
}

func (a *apiServer) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/users", a.handleCreateUser).Methods(http.MethodPost)
	r.HandleFunc("/v1/me/balance", a.auth(a.handleBalance)).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs", a.auth(a.handleSubmitJob)).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs", a.auth(a.handleListJobs)).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}", a.auth(a.handleGetJob)).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}", a.auth(a.handleCancelJob)).Methods(http.MethodDelete)
	r.HandleFunc("/v1/workers", a.auth(a.handleListWorkers)).Methods(http.MethodGet)
	r.HandleFunc("/v1/workers/{id}/pause", a.auth(a.handlePauseWorker)).Methods(http.MethodPost)
	r.HandleFunc("/v1/workers/{id}/resume", a.auth(a.handleResumeWorker)).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/grants", a.auth(a.handleGrant)).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/activity", a.auth(a.handleActivity)).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", a.handleStats).Methods(http.MethodGet)
	return r
}

type authedHandler func(w http.ResponseWriter, r *http.Request, u *user.User)

// auth resolves basic credentials on every request; there is no session
// state to invalidate
func (a *apiServer) auth(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			writeError(w, http.StatusUnauthorized, errors.New("credentials required"))
			return
		}
		u, err := a.c.users.Authenticate(r.Context(), username, password)
		if err != nil {
			writeError(w, http.StatusUnauthorized, user.ErrBadCredentials)
			return
		}
		h(w, r, u)
	}
}

func (a *apiServer) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// self-service registration creates plain accounts; minting a
	// coordinator requires an authenticated coordinator
	var actor *user.User
	if username, password, ok := r.BasicAuth(); ok {
		au, err := a.c.users.Authenticate(r.Context(), username, password)
		if err != nil {
			writeError(w, http.StatusUnauthorized, user.ErrBadCredentials)
			return
		}
		actor = au
	}

	nu, err := a.c.CreateUser(r.Context(), actor, req.Username, req.Password, req.Role)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       nu.ID,
		"username": nu.Username,
		"role":     nu.Role,
		"credits":  nu.Credits,
	})
}

func (a *apiServer) handleBalance(w http.ResponseWriter, r *http.Request, u *user.User) {
	balance, err := a.c.Balance(r.Context(), u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"credits": balance})
}

func (a *apiServer) handleSubmitJob(w http.ResponseWriter, r *http.Request, u *user.User) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	v, err := a.c.SubmitJob(r.Context(), u, &req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (a *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request, u *user.User) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	views, err := a.c.ListMyJobs(r.Context(), u, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request, u *user.User) {
	v, err := a.c.GetJob(r.Context(), u, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *apiServer) handleCancelJob(w http.ResponseWriter, r *http.Request, u *user.User) {
	if err := a.c.CancelJob(r.Context(), u, mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (a *apiServer) handleListWorkers(w http.ResponseWriter, r *http.Request, u *user.User) {
	views, err := a.c.ListWorkers(r.Context(), u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *apiServer) handlePauseWorker(w http.ResponseWriter, r *http.Request, u *user.User) {
	if err := a.c.PauseWorker(r.Context(), u, mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (a *apiServer) handleResumeWorker(w http.ResponseWriter, r *http.Request, u *user.User) {
	if err := a.c.ResumeWorker(r.Context(), u, mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
}

func (a *apiServer) handleGrant(w http.ResponseWriter, r *http.Request, u *user.User) {
	var req struct {
		Username string `json:"username"`
		Delta    int64  `json:"delta"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.c.Grant(r.Context(), u, req.Username, req.Delta, req.Reason); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (a *apiServer) handleActivity(w http.ResponseWriter, r *http.Request, u *user.User) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := a.c.RecentActivity(r.Context(), u, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	v, err := a.c.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// statusFor maps repository sentinels onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrForbidden), errors.Is(err, job.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, job.ErrNotFound), errors.Is(err, user.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrNotPending), errors.Is(err, job.ErrNotRunning),
		errors.Is(err, user.ErrUsernameTaken):
		return http.StatusConflict
	case errors.Is(err, job.ErrInvalidDemands), errors.Is(err, protocol.ErrMalformedMessage):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf(log.APIServer, "Response encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
