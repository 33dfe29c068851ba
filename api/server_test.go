package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"election-workflow/event"
	"election-workflow/ledger"
	"election-workflow/models"
	"election-workflow/results"
	"election-workflow/session"
	"election-workflow/verification"
	"election-workflow/workflow"
)

// memVerifier is an in-memory verification backend keyed on exact sample
// bytes.
type memVerifier struct {
	mu       sync.Mutex
	enrolled map[models.Identity][]byte
}

func newMemVerifier() *memVerifier {
	return &memVerifier{enrolled: make(map[models.Identity][]byte)}
}

func (v *memVerifier) Enroll(ctx context.Context, id models.Identity, sample []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enrolled[id] = sample
	return nil
}

func (v *memVerifier) Verify(ctx context.Context, id models.Identity, sample []byte) (verification.Verdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ref, ok := v.enrolled[id]
	if !ok {
		return verification.Verdict{}, verification.ErrNotEnrolled
	}
	if bytes.Equal(ref, sample) {
		return verification.Verdict{Verified: true, Similarity: 1.0}, nil
	}
	return verification.Verdict{}, nil
}

func (v *memVerifier) Enrolled(ctx context.Context, id models.Identity) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.enrolled[id]
	return ok, nil
}

type apiFixture struct {
	server *httptest.Server
	admin  models.Identity
	voter  models.Identity
	ledger *ledger.MemoryLedger
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	adminWallet, err := session.NewKeyProvider("0x539")
	if err != nil {
		t.Fatalf("NewKeyProvider() error = %v", err)
	}
	voterWallet, err := session.NewKeyProvider("0x539")
	if err != nil {
		t.Fatalf("NewKeyProvider() error = %v", err)
	}

	led, err := ledger.NewMemoryLedger(adminWallet.Identity(), nil, nil)
	if err != nil {
		t.Fatalf("NewMemoryLedger() error = %v", err)
	}

	srv := NewServer(led, newMemVerifier(), event.NewBus(nil), nil, nil, workflow.Policy{}, "0x539", nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown()
	})

	return &apiFixture{
		server: ts,
		admin:  adminWallet.Identity(),
		voter:  voterWallet.Identity(),
		ledger: led,
	}
}

// postJSON posts body as JSON and decodes the response into out when the
// status matches.
func (f *apiFixture) postJSON(t *testing.T, path string, body any, wantStatus int, out any) {
	t.Helper()

	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var msg bytes.Buffer
		msg.ReadFrom(resp.Body)
		t.Fatalf("POST %s status = %d, want %d (body: %s)", path, resp.StatusCode, wantStatus, msg.String())
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
}

// postSample posts a multipart form with a session id, an optional voter
// address and an iris sample file.
func (f *apiFixture) postSample(t *testing.T, path, sessionID, voterAddress string, sample []byte, wantStatus int) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("session_id", sessionID)
	if voterAddress != "" {
		mw.WriteField("voter_address", voterAddress)
	}
	fw, err := mw.CreateFormFile("iris_image", "sample.bmp")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	fw.Write(sample)
	mw.Close()

	resp, err := http.Post(f.server.URL+path, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var msg bytes.Buffer
		msg.ReadFrom(resp.Body)
		t.Fatalf("POST %s status = %d, want %d (body: %s)", path, resp.StatusCode, wantStatus, msg.String())
	}
}

func (f *apiFixture) newAdminSession(t *testing.T) string {
	t.Helper()
	var created createSessionResponse
	f.postJSON(t, "/api/admin/session", createSessionRequest{Address: f.admin.String()}, http.StatusOK, &created)
	f.postJSON(t, "/api/admin/connect", sessionRequest{SessionID: created.SessionID}, http.StatusOK, nil)

	var authority struct {
		Authorized bool   `json:"authorized"`
		State      string `json:"state"`
	}
	f.postJSON(t, "/api/admin/authority", sessionRequest{SessionID: created.SessionID}, http.StatusOK, &authority)
	if !authority.Authorized {
		t.Fatalf("authority check = %+v, want authorized", authority)
	}
	return created.SessionID
}

func TestServerFullElection(t *testing.T) {
	f := newAPIFixture(t)
	sample := []byte("iris capture")

	// Admin sets up and opens the election.
	adminSID := f.newAdminSession(t)
	for _, name := range []string{"Alice", "Bob"} {
		f.postJSON(t, "/api/admin/candidate", candidateRequest{SessionID: adminSID, Name: name}, http.StatusOK, nil)
	}
	f.postSample(t, "/api/admin/enroll", adminSID, f.voter.String(), sample, http.StatusOK)
	f.postJSON(t, "/api/admin/register", registerRequest{SessionID: adminSID, VoterAddress: f.voter.String()}, http.StatusOK, nil)
	f.postJSON(t, "/api/admin/start", sessionRequest{SessionID: adminSID}, http.StatusOK, nil)

	// Voter works through connect -> verify -> select -> vote.
	var created createSessionResponse
	f.postJSON(t, "/api/voter/session", createSessionRequest{Address: f.voter.String()}, http.StatusOK, &created)
	voterSID := created.SessionID

	var status workflow.VoterStatus
	f.postJSON(t, "/api/voter/connect", sessionRequest{SessionID: voterSID}, http.StatusOK, &status)
	if status.State != workflow.VoterConnected {
		t.Fatalf("state after connect = %s, want %s", status.State, workflow.VoterConnected)
	}

	f.postJSON(t, "/api/voter/status", sessionRequest{SessionID: voterSID}, http.StatusOK, &status)
	if status.State != workflow.VoterUnverified {
		t.Fatalf("state after status check = %s, want %s", status.State, workflow.VoterUnverified)
	}

	// A wrong sample is refused; the right one passes.
	f.postSample(t, "/api/voter/verify", voterSID, "", []byte("wrong capture"), http.StatusForbidden)
	f.postSample(t, "/api/voter/verify", voterSID, "", sample, http.StatusOK)

	f.postJSON(t, "/api/voter/select", selectRequest{SessionID: voterSID, CandidateID: 1}, http.StatusOK, &status)
	if status.Selected != 1 {
		t.Fatalf("selected = %d, want 1", status.Selected)
	}

	f.postJSON(t, "/api/voter/vote", sessionRequest{SessionID: voterSID}, http.StatusOK, &status)
	if status.State != workflow.VoterVoted {
		t.Fatalf("state after vote = %s, want %s", status.State, workflow.VoterVoted)
	}

	// A second vote is a guard violation, mapped to 400.
	f.postJSON(t, "/api/voter/vote", sessionRequest{SessionID: voterSID}, http.StatusBadRequest, nil)

	// Public results reflect the ballot.
	resp, err := http.Get(f.server.URL + "/api/results")
	if err != nil {
		t.Fatalf("GET /api/results error = %v", err)
	}
	defer resp.Body.Close()
	var tally results.Tally
	if err := json.NewDecoder(resp.Body).Decode(&tally); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if !tally.Available || tally.Winner != "Bob" || tally.TotalVotes != 1 {
		t.Fatalf("tally = %+v, want Bob with 1 vote", tally)
	}

	// Admin closes the election and gets the final tally back.
	var final results.Tally
	f.postJSON(t, "/api/admin/end", sessionRequest{SessionID: adminSID}, http.StatusOK, &final)
	if final.Winner != "Bob" {
		t.Fatalf("final tally winner = %q, want Bob", final.Winner)
	}
}

func TestServerErrorMapping(t *testing.T) {
	f := newAPIFixture(t)

	// Unknown session ids are 404.
	f.postJSON(t, "/api/voter/connect", sessionRequest{SessionID: "nope"}, http.StatusNotFound, nil)
	f.postJSON(t, "/api/admin/start", sessionRequest{SessionID: "nope"}, http.StatusNotFound, nil)

	// A malformed wallet address is refused at session creation.
	f.postJSON(t, "/api/voter/session", createSessionRequest{Address: "garbage"}, http.StatusBadRequest, nil)

	// A voter who skipped the authority check cannot run admin actions.
	var created createSessionResponse
	f.postJSON(t, "/api/admin/session", createSessionRequest{Address: f.voter.String()}, http.StatusOK, &created)
	f.postJSON(t, "/api/admin/connect", sessionRequest{SessionID: created.SessionID}, http.StatusOK, nil)

	var authority struct {
		Authorized bool   `json:"authorized"`
		State      string `json:"state"`
	}
	f.postJSON(t, "/api/admin/authority", sessionRequest{SessionID: created.SessionID}, http.StatusOK, &authority)
	if authority.Authorized || authority.State != string(workflow.AdminUnauthorized) {
		t.Fatalf("authority = %+v, want unauthorized", authority)
	}

	// Sticky unauthorized maps to 403.
	f.postJSON(t, "/api/admin/start", sessionRequest{SessionID: created.SessionID}, http.StatusForbidden, nil)

	// Registration without enrollment maps to 400.
	adminSID := f.newAdminSession(t)
	f.postJSON(t, "/api/admin/register", registerRequest{SessionID: adminSID, VoterAddress: f.voter.String()}, http.StatusBadRequest, nil)
}

func TestServerMethodChecks(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/api/voter/session", "/api/voter/vote", "/api/admin/start"} {
		resp, err := http.Get(f.server.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusMethodNotAllowed)
		}
	}

	resp, err := http.Post(f.server.URL+"/api/election", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/election error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/election status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestServerElectionInfo(t *testing.T) {
	f := newAPIFixture(t)

	adminSID := f.newAdminSession(t)
	f.postJSON(t, "/api/admin/candidate", candidateRequest{SessionID: adminSID, Name: "Alice"}, http.StatusOK, nil)

	resp, err := http.Get(f.server.URL + "/api/election")
	if err != nil {
		t.Fatalf("GET /api/election error = %v", err)
	}
	defer resp.Body.Close()

	var info struct {
		Phase          string `json:"phase"`
		CandidateCount int    `json:"candidate_count"`
		Admin          string `json:"admin"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode election info: %v", err)
	}
	if info.Phase != "not_started" {
		t.Errorf("phase = %q, want not_started", info.Phase)
	}
	if info.CandidateCount != 1 {
		t.Errorf("candidate_count = %d, want 1", info.CandidateCount)
	}
	if info.Admin != f.admin.Short() {
		t.Errorf("admin = %q, want %q", info.Admin, f.admin.Short())
	}
}
