package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"election-workflow/event"
	"election-workflow/ledger"
	"election-workflow/models"
	"election-workflow/results"
	"election-workflow/session"
	"election-workflow/verification"
	"election-workflow/workflow"
)

const maxSampleBytes = 16 << 20 // matches the iris API upload limit

// Server is the HTTP adapter over the workflows. It holds one workflow per
// session token and enforces no rules of its own: every guard lives in the
// workflow and ledger layers.
type Server struct {
	ledger   ledger.Client
	verifier verification.Client
	bus      *event.Bus
	metrics  *workflow.Metrics
	registry *prometheus.Registry
	policy   workflow.Policy
	chainID  string
	logger   *slog.Logger

	mu     sync.RWMutex
	voters map[string]*voterSession
	admins map[string]*adminSession
}

type voterSession struct {
	workflow *workflow.VoterWorkflow
	cancel   context.CancelFunc
}

type adminSession struct {
	workflow *workflow.AdminWorkflow
	cancel   context.CancelFunc
}

func NewServer(ledgerClient ledger.Client, verifier verification.Client, bus *event.Bus, metrics *workflow.Metrics, registry *prometheus.Registry, policy workflow.Policy, chainID string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ledger:   ledgerClient,
		verifier: verifier,
		bus:      bus,
		metrics:  metrics,
		registry: registry,
		policy:   policy,
		chainID:  chainID,
		logger:   logger.With("component", "api"),
		voters:   make(map[string]*voterSession),
		admins:   make(map[string]*adminSession),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/voter/session", s.handleVoterSession)
	mux.HandleFunc("/api/voter/connect", s.handleVoterConnect)
	mux.HandleFunc("/api/voter/status", s.handleVoterStatus)
	mux.HandleFunc("/api/voter/verify", s.handleVoterVerify)
	mux.HandleFunc("/api/voter/select", s.handleVoterSelect)
	mux.HandleFunc("/api/voter/vote", s.handleVoterVote)
	mux.HandleFunc("/api/voter/state", s.handleVoterState)
	mux.HandleFunc("/api/voter/candidates", s.handleVoterCandidates)

	mux.HandleFunc("/api/admin/session", s.handleAdminSession)
	mux.HandleFunc("/api/admin/connect", s.handleAdminConnect)
	mux.HandleFunc("/api/admin/authority", s.handleAdminAuthority)
	mux.HandleFunc("/api/admin/enroll", s.handleAdminEnroll)
	mux.HandleFunc("/api/admin/register", s.handleAdminRegister)
	mux.HandleFunc("/api/admin/candidate", s.handleAdminCandidate)
	mux.HandleFunc("/api/admin/start", s.handleAdminStart)
	mux.HandleFunc("/api/admin/end", s.handleAdminEnd)

	mux.HandleFunc("/api/results", s.handleResults)
	mux.HandleFunc("/api/election", s.handleElection)
	mux.HandleFunc("/api/events", s.handleEvents)

	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return mux
}

// Shutdown cancels every session watcher.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, vs := range s.voters {
		vs.cancel()
	}
	for _, as := range s.admins {
		as.cancel()
	}
}

// newSession builds the session plus its wallet provider. An explicit
// address gets a static provider; otherwise a development wallet with a
// fresh key is generated.
func (s *Server) newSession(address string) (*session.Session, error) {
	var provider session.WalletProvider
	if address != "" {
		id, err := models.ParseIdentity(address)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", workflow.ErrInvalidAddress, err)
		}
		provider = session.NewStaticProvider(id, s.chainID)
	} else {
		kp, err := session.NewKeyProvider(s.chainID)
		if err != nil {
			return nil, err
		}
		provider = kp
	}
	return session.New(provider, s.ledger, s.logger), nil
}

// Voter handlers

type createSessionRequest struct {
	Address string `json:"address"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleVoterSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := s.newSession(req.Address)
	if err != nil {
		s.writeError(w, err)
		return
	}

	wf := workflow.NewVoterWorkflow(sess, s.ledger, s.verifier, s.bus, s.metrics, s.logger)
	ctx, cancel := context.WithCancel(context.Background())
	go sess.Watch(ctx)

	s.mu.Lock()
	s.voters[sess.ID] = &voterSession{workflow: wf, cancel: cancel}
	s.mu.Unlock()

	writeJSON(w, createSessionResponse{SessionID: sess.ID})
}

func (s *Server) voterFor(w http.ResponseWriter, sessionID string) *workflow.VoterWorkflow {
	s.mu.RLock()
	vs := s.voters[sessionID]
	s.mu.RUnlock()
	if vs == nil {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return nil
	}
	return vs.workflow
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) decodeSession(w http.ResponseWriter, r *http.Request) (sessionRequest, bool) {
	var req sessionRequest
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) handleVoterConnect(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	wf := s.voterFor(w, req.SessionID)
	if wf == nil {
		return
	}

	if err := wf.Connect(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, wf.Status())
}

func (s *Server) handleVoterStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	wf := s.voterFor(w, req.SessionID)
	if wf == nil {
		return
	}

	if _, err := wf.CheckStatus(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, wf.Status())
}

func (s *Server) handleVoterVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(maxSampleBytes); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	wf := s.voterFor(w, r.FormValue("session_id"))
	if wf == nil {
		return
	}

	sample, err := readSample(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := wf.Verify(r.Context(), sample); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, wf.Status())
}

type selectRequest struct {
	SessionID   string `json:"session_id"`
	CandidateID int    `json:"candidate_id"`
}

func (s *Server) handleVoterSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	wf := s.voterFor(w, req.SessionID)
	if wf == nil {
		return
	}

	if err := wf.Select(req.CandidateID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, wf.Status())
}

func (s *Server) handleVoterVote(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	wf := s.voterFor(w, req.SessionID)
	if wf == nil {
		return
	}

	if err := wf.Vote(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, wf.Status())
}

func (s *Server) handleVoterState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	wf := s.voterFor(w, r.URL.Query().Get("session_id"))
	if wf == nil {
		return
	}
	writeJSON(w, wf.Status())
}

func (s *Server) handleVoterCandidates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	wf := s.voterFor(w, r.URL.Query().Get("session_id"))
	if wf == nil {
		return
	}

	candidates, err := wf.RefreshCandidates(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, candidates)
}

// Admin handlers

func (s *Server) handleAdminSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := s.newSession(req.Address)
	if err != nil {
		s.writeError(w, err)
		return
	}

	wf := workflow.NewAdminWorkflow(sess, s.ledger, s.verifier, s.bus, s.metrics, s.policy, s.logger)
	ctx, cancel := context.WithCancel(context.Background())
	go sess.Watch(ctx)

	s.mu.Lock()
	s.admins[sess.ID] = &adminSession{workflow: wf, cancel: cancel}
	s.mu.Unlock()

	writeJSON(w, createSessionResponse{SessionID: sess.ID})
}

func (s *Server) adminFor(w http.ResponseWriter, sessionID string) *workflow.AdminWorkflow {
	s.mu.RLock()
	as := s.admins[sessionID]
	s.mu.RUnlock()
	if as == nil {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return nil
	}
	return as.workflow
}

func (s *Server) handleAdminConnect(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	wf := s.adminFor(w, req.SessionID)
	if wf == nil {
		return
	}

	if err := wf.Connect(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"state": string(wf.State())})
}

func (s *Server) handleAdminAuthority(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	wf := s.adminFor(w, req.SessionID)
	if wf == nil {
		return
	}

	authorized, err := wf.AuthorityCheck(r.Context())
	if err != nil && !errors.Is(err, workflow.ErrNotAuthorized) {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"authorized": authorized,
		"state":      string(wf.State()),
	})
}

func (s *Server) handleAdminEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(maxSampleBytes); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	wf := s.adminFor(w, r.FormValue("session_id"))
	if wf == nil {
		return
	}

	sample, err := readSample(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := wf.EnrollVoter(r.Context(), r.FormValue("voter_address"), sample); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

type registerRequest struct {
	SessionID    string `json:"session_id"`
	VoterAddress string `json:"voter_address"`
}

func (s *Server) handleAdminRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	wf := s.adminFor(w, req.SessionID)
	if wf == nil {
		return
	}

	if err := wf.RegisterVoter(r.Context(), req.VoterAddress); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

type candidateRequest struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

func (s *Server) handleAdminCandidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req candidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	wf := s.adminFor(w, req.SessionID)
	if wf == nil {
		return
	}

	if err := wf.AddCandidate(r.Context(), req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleAdminStart(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	wf := s.adminFor(w, req.SessionID)
	if wf == nil {
		return
	}

	if err := wf.StartElection(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleAdminEnd(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	wf := s.adminFor(w, req.SessionID)
	if wf == nil {
		return
	}

	tally, err := wf.EndElection(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, tally)
}

// Shared handlers

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names, counts, err := s.ledger.Results(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read results: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, results.Project(names, counts))
}

func (s *Server) handleElection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	phase, err := s.ledger.Phase(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read phase: %v", err), http.StatusBadGateway)
		return
	}
	count, err := s.ledger.CandidateCount(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read candidate count: %v", err), http.StatusBadGateway)
		return
	}
	admin, err := s.ledger.Admin(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read admin: %v", err), http.StatusBadGateway)
		return
	}

	writeJSON(w, map[string]any{
		"phase":           phase.String(),
		"candidate_count": count,
		"admin":           admin.Short(),
	})
}

// Helpers

func readSample(r *http.Request) ([]byte, error) {
	file, _, err := r.FormFile("iris_image")
	if err != nil {
		return nil, errors.New("no iris image provided")
	}
	defer file.Close()

	sample, err := io.ReadAll(io.LimitReader(file, maxSampleBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read sample: %w", err)
	}
	return sample, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError maps the workflow error taxonomy onto HTTP status codes. The
// body always carries the human-readable reason.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var verr *workflow.VerificationFailedError
	switch {
	case errors.Is(err, workflow.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, workflow.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, workflow.ErrInvalidAddress),
		errors.Is(err, workflow.ErrEnrollmentMissing),
		workflow.IsGuard(err):
		status = http.StatusBadRequest
	case errors.As(err, &verr):
		status = http.StatusForbidden
	case ledger.IsRejection(err):
		status = http.StatusConflict
	case workflow.IsAmbiguous(err):
		status = http.StatusBadGateway
	case errors.Is(err, session.ErrNoProvider), errors.Is(err, session.ErrUserRejected):
		status = http.StatusBadRequest
	}

	s.logger.Info("request failed", "status", status, "error", err)
	http.Error(w, err.Error(), status)
}
