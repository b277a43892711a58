package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"eventgate/internal/attendance"
	"eventgate/internal/auth"
	"eventgate/internal/group"
	"eventgate/internal/httpmiddleware"
	"eventgate/internal/participant"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	t      *testing.T
	router *gin.Engine
}

func newTestServer(t *testing.T, joinPerMin int) *testServer {
	t.Helper()
	clock := func() time.Time { return t0 }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	people := participant.NewService(participant.NewMemoryStore(), bcrypt.MinCost)
	events := attendance.NewService(attendance.NewMemoryLedger(), people, attendance.Options{
		Clock:  clock,
		Logger: logger,
	})
	var limiter *httpmiddleware.KeyedLimiter
	if joinPerMin > 0 {
		limiter = httpmiddleware.NewKeyedLimiter("join", joinPerMin)
	}
	h := New(Config{
		Events:      events,
		People:      people,
		Groups:      group.NewService(group.NewMemoryStore(), events, clock, logger),
		Tokens:      auth.NewIssuer("eventgate", "test-key", time.Hour, 24*time.Hour),
		JoinLimiter: limiter,
		Clock:       clock,
		Logger:      logger,
	})
	r := gin.New()
	h.Register(r)
	return &testServer{t: t, router: r}
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *testServer) signUp(name, email string) string {
	s.t.Helper()
	w := s.do(http.MethodPost, "/v1/auth/register", "", gin.H{"name": name, "email": email, "password": "secret1"})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	tokens := decode(s.t, w)["tokens"].(map[string]any)
	return tokens["access_token"].(string)
}

func (s *testServer) createEvent(token string, capacity *int) map[string]any {
	s.t.Helper()
	body := gin.H{
		"name":       "Networks Lab",
		"start_time": t0.Add(-10 * time.Minute),
		"end_time":   t0.Add(time.Hour),
		"status":     "OPEN",
	}
	if capacity != nil {
		body["max_participants"] = *capacity
	}
	w := s.do(http.MethodPost, "/v1/events", token, body)
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	return decode(s.t, w)["event"].(map[string]any)
}

func TestAuthFlow(t *testing.T) {
	s := newTestServer(t, 0)
	token := s.signUp("Ana", "ana@uni.ro")

	w := s.do(http.MethodGet, "/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decode(t, w)["participant"].(map[string]any)
	assert.Equal(t, "ana@uni.ro", me["email"])
	assert.Equal(t, "STUDENT", me["role"])
	assert.NotContains(t, me, "password_hash")

	w = s.do(http.MethodPost, "/v1/auth/register", "", gin.H{"name": "Ana", "email": "ana@uni.ro", "password": "secret1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/v1/auth/register", "", gin.H{"name": "Ana", "email": "not-an-email", "password": "secret1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION", decode(t, w)["code"])

	w = s.do(http.MethodPost, "/v1/auth/login", "", gin.H{"email": "ana@uni.ro", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/v1/auth/login", "", gin.H{"email": "ana@uni.ro", "password": "secret1"})
	require.Equal(t, http.StatusOK, w.Code)
	refresh := decode(t, w)["tokens"].(map[string]any)["refresh_token"].(string)

	w = s.do(http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": refresh})
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": token})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "access tokens cannot refresh")

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/v1/events", "", nil).Code)
}

func TestEventManagementRequiresRole(t *testing.T) {
	s := newTestServer(t, 0)
	student := s.signUp("Ana", "ana@uni.ro")

	w := s.do(http.MethodPost, "/v1/events", student, gin.H{"name": "x", "start_time": t0, "end_time": t0.Add(time.Hour)})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/v1/participants", student, nil).Code)
}

func TestCreateEvent_Validation(t *testing.T) {
	s := newTestServer(t, 0)
	prof := s.signUp("Ion", "ion@prof.uni.ro")

	tests := []struct {
		name string
		body gin.H
	}{
		{name: "missing name", body: gin.H{"start_time": t0, "end_time": t0.Add(time.Hour)}},
		{name: "end before start", body: gin.H{"name": "x", "start_time": t0, "end_time": t0.Add(-time.Hour)}},
		{name: "zero capacity", body: gin.H{"name": "x", "start_time": t0, "end_time": t0.Add(time.Hour), "max_participants": 0}},
		{name: "full status", body: gin.H{"name": "x", "start_time": t0, "end_time": t0.Add(time.Hour), "status": "FULL"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/v1/events", prof, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestJoinFlow(t *testing.T) {
	s := newTestServer(t, 0)
	prof := s.signUp("Ion", "ion@prof.uni.ro")
	ana := s.signUp("Ana", "ana@uni.ro")
	bob := s.signUp("Bob", "bob@uni.ro")

	one := 1
	ev := s.createEvent(prof, &one)
	code := ev["join_code"].(string)
	id := ev["id"].(string)
	assert.NotEmpty(t, code)

	w := s.do(http.MethodGet, "/v1/events/"+id, ana, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, decode(t, w)["event"], "join_code", "attendees do not see the code")

	w = s.do(http.MethodPost, "/v1/join", ana, gin.H{"code": "EVT-ZZZZZZZZZ"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CODE_NOT_FOUND", decode(t, w)["code"])

	w = s.do(http.MethodPost, "/v1/join", ana, gin.H{"code": strings.ToLower(code)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	joined := decode(t, w)
	assert.Equal(t, "FULL", joined["event"].(map[string]any)["status"])
	regID := joined["registration"].(map[string]any)["id"].(string)

	w = s.do(http.MethodPost, "/v1/join", ana, gin.H{"code": code})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/v1/join", bob, gin.H{"code": code})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "EVENT_NOT_OPEN", decode(t, w)["code"])

	w = s.do(http.MethodGet, "/v1/me/registrations", ana, nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode(t, w)["registrations"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, "Networks Lab", history[0].(map[string]any)["event_name"])

	w = s.do(http.MethodGet, "/v1/events/"+id+"/registrations", prof, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["registrations"], 1)

	w = s.do(http.MethodPatch, "/v1/registrations/"+regID, prof, gin.H{"status": "LATE"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "LATE", decode(t, w)["registration"].(map[string]any)["status"])

	w = s.do(http.MethodGet, "/v1/events/"+id+"/export", prof, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "Ana,ana@uni.ro,LATE")

	w = s.do(http.MethodDelete, "/v1/registrations/"+regID, prof, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OPEN", decode(t, w)["event"].(map[string]any)["status"])

	w = s.do(http.MethodPost, "/v1/join", bob, gin.H{"code": code})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCloseOpenDelete(t *testing.T) {
	s := newTestServer(t, 0)
	prof := s.signUp("Ion", "ion@prof.uni.ro")
	ana := s.signUp("Ana", "ana@uni.ro")
	ev := s.createEvent(prof, nil)
	id := ev["id"].(string)

	w := s.do(http.MethodPost, "/v1/events/"+id+"/close", prof, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CLOSED", decode(t, w)["event"].(map[string]any)["status"])

	w = s.do(http.MethodPost, "/v1/join", ana, gin.H{"code": ev["join_code"]})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/v1/events/"+id+"/open", prof, nil)
	require.Equal(t, http.StatusOK, w.Code)
	reopened := decode(t, w)["event"].(map[string]any)
	assert.Equal(t, "OPEN", reopened["status"])
	assert.NotEqual(t, ev["join_code"], reopened["join_code"])

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/v1/events/"+id, prof, nil).Code)
	w = s.do(http.MethodGet, "/v1/events/"+id, prof, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "EVENT_NOT_FOUND", decode(t, w)["code"])
}

func TestJoinRateLimit(t *testing.T) {
	s := newTestServer(t, 2)
	ana := s.signUp("Ana", "ana@uni.ro")
	bob := s.signUp("Bob", "bob@uni.ro")

	for i := 0; i < 2; i++ {
		w := s.do(http.MethodPost, "/v1/join", ana, gin.H{"code": "EVT-ZZZZZZZZZ"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	}
	w := s.do(http.MethodPost, "/v1/join", ana, gin.H{"code": "EVT-ZZZZZZZZZ"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = s.do(http.MethodPost, "/v1/join", bob, gin.H{"code": "EVT-ZZZZZZZZZ"})
	assert.Equal(t, http.StatusNotFound, w.Code, "limits are per participant")
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{attendance.ErrCodeNotFound, http.StatusNotFound, "CODE_NOT_FOUND"},
		{attendance.ErrEventNotOpen, http.StatusConflict, "EVENT_NOT_OPEN"},
		{attendance.ErrCapacityExceeded, http.StatusConflict, "CAPACITY_EXCEEDED"},
		{attendance.ErrAlreadyRegistered, http.StatusConflict, "ALREADY_REGISTERED"},
		{attendance.ErrParticipantNotFound, http.StatusNotFound, "PARTICIPANT_NOT_FOUND"},
		{attendance.ErrTransient, http.StatusServiceUnavailable, "TRANSIENT_STORE_ERROR"},
		{attendance.ErrValidation, http.StatusBadRequest, "VALIDATION"},
		{participant.ErrEmailTaken, http.StatusConflict, "EMAIL_TAKEN"},
		{attendance.ErrNotInGroup, http.StatusNotFound, "EVENT_NOT_IN_GROUP"},
		{group.ErrNotFound, http.StatusNotFound, "GROUP_NOT_FOUND"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			writeError(c, tt.err)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decode(t, w)["code"])
			if tt.wantStatus == http.StatusServiceUnavailable {
				assert.Equal(t, retryAfter, w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestGroupRoutes(t *testing.T) {
	s := newTestServer(t, 0)
	prof := s.signUp("Ion", "ion@prof.uni.ro")
	ana := s.signUp("Ana", "ana@uni.ro")

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/v1/groups", ana, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/v1/groups", ana, gin.H{"name": "x"}).Code)

	w := s.do(http.MethodPost, "/v1/groups", prof, gin.H{"description": "no name"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/v1/groups", prof, gin.H{"name": "Networks", "description": "weekly labs"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	gid := decode(t, w)["group"].(map[string]any)["id"].(string)

	ev := s.createEvent(prof, nil)
	eid := ev["id"].(string)

	w = s.do(http.MethodPost, "/v1/groups/"+gid+"/events", prof, gin.H{"event_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(http.MethodPost, "/v1/groups/missing/events", prof, gin.H{"event_ids": []string{eid}})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "GROUP_NOT_FOUND", decode(t, w)["code"])

	w = s.do(http.MethodPost, "/v1/groups/"+gid+"/events", prof, gin.H{"event_ids": []string{eid}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	events := decode(t, w)["group"].(map[string]any)["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, gid, events[0].(map[string]any)["group_id"])
	assert.Equal(t, ev["join_code"], events[0].(map[string]any)["join_code"])

	w = s.do(http.MethodPost, "/v1/join", ana, gin.H{"code": ev["join_code"]})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/v1/groups/"+gid+"/export", prof, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "group-"+gid+"-attendance.csv")
	assert.Contains(t, w.Body.String(), "Networks,Networks Lab,2026-03-02,Ana,ana@uni.ro,PRESENT")

	w = s.do(http.MethodGet, "/v1/groups", prof, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["groups"], 1)

	other := s.createEvent(prof, nil)
	w = s.do(http.MethodDelete, "/v1/groups/"+gid+"/events/"+other["id"].(string), prof, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "EVENT_NOT_IN_GROUP", decode(t, w)["code"])

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/v1/groups/"+gid+"/events/"+eid, prof, nil).Code)
	w = s.do(http.MethodGet, "/v1/groups/"+gid, prof, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["group"].(map[string]any)["events"])

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/v1/groups/"+gid, prof, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/v1/groups/"+gid, prof, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/events/"+eid, prof, nil).Code, "events outlive their group")
}
