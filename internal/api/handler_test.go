package api

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"neosync/internal/api/mocks"
	"neosync/internal/domain"
)

const (
	testCronSecret = "cron-secret"
	testJWTSecret  = "jwt-secret"
)

type HandlerTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	worker *mocks.MockTicker
	admin  *mocks.MockAdmin
	db     *mocks.MockPinger

	tokens TokenService
	router *gin.Engine
}

func (s *HandlerTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.worker = mocks.NewMockTicker(s.ctrl)
	s.admin = mocks.NewMockAdmin(s.ctrl)
	s.db = mocks.NewMockPinger(s.ctrl)

	s.tokens = TokenService{Secret: []byte(testJWTSecret), Issuer: "neosync-test"}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	h := NewHandler(s.worker, s.admin, s.db, s.tokens, testCronSecret, logger)
	s.router = NewRouter(h, logger)
}

func (s *HandlerTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func (s *HandlerTestSuite) do(method, path, auth string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" && bytes.HasPrefix(w.Body.Bytes(), []byte("{")) {
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func (s *HandlerTestSuite) adminToken(role string) string {
	tok, err := s.tokens.Sign("user-1", role, time.Hour)
	s.Require().NoError(err)
	return "Bearer " + tok
}

func (s *HandlerTestSuite) TestCronTick_Unauthorized() {
	for _, auth := range []string{"", "Bearer wrong", "Basic " + testCronSecret, testCronSecret} {
		w, body := s.do(http.MethodGet, "/api/worker/tick", auth, nil)
		s.Equal(http.StatusUnauthorized, w.Code, auth)
		s.Equal("Unauthorized", body["error"])
	}
}

func (s *HandlerTestSuite) TestCronTick_QueueEmpty() {
	s.worker.EXPECT().Tick(gomock.Any()).Return(&domain.TickResult{QueueEmpty: true}, nil)

	w, body := s.do(http.MethodGet, "/api/worker/tick", "Bearer "+testCronSecret, nil)

	s.Equal(http.StatusOK, w.Code)
	s.Equal(true, body["success"])
	s.Equal("Queue empty", body["message"])
}

func (s *HandlerTestSuite) TestCronTick_Processed() {
	result := &domain.TickResult{Processed: []domain.TaskOutcome{
		{TaskID: uuid.New(), ExternalID: "m1", Type: domain.TaskTypeSeries, Result: domain.ResultCompleted},
	}}
	s.worker.EXPECT().Tick(gomock.Any()).Return(result, nil)

	w, body := s.do(http.MethodGet, "/api/worker/tick", "Bearer "+testCronSecret, nil)

	s.Equal(http.StatusOK, w.Code)
	s.Equal(true, body["success"])
	processed, ok := body["processed"].([]any)
	s.Require().True(ok)
	s.Len(processed, 1)
}

func (s *HandlerTestSuite) TestCronTick_Failure() {
	s.worker.EXPECT().Tick(gomock.Any()).Return(nil, errors.New("select batch: db down"))

	w, body := s.do(http.MethodGet, "/api/worker/tick", "Bearer "+testCronSecret, nil)

	s.Equal(http.StatusInternalServerError, w.Code)
	s.Equal(false, body["success"])
	s.Contains(body["error"], "db down")
}

func (s *HandlerTestSuite) TestAdmin_MissingToken() {
	w, body := s.do(http.MethodPost, "/api/admin/sync/tick", "", nil)

	s.Equal(http.StatusUnauthorized, w.Code)
	s.Equal("Unauthorized", body["error"])
}

func (s *HandlerTestSuite) TestAdmin_InvalidToken() {
	other := TokenService{Secret: []byte("other"), Issuer: "neosync-test"}
	tok, err := other.Sign("user-1", RoleAdmin, time.Hour)
	s.Require().NoError(err)

	w, _ := s.do(http.MethodPost, "/api/admin/sync/tick", "Bearer "+tok, nil)
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *HandlerTestSuite) TestAdmin_ExpiredToken() {
	tok, err := s.tokens.Sign("user-1", RoleAdmin, -time.Minute)
	s.Require().NoError(err)

	w, _ := s.do(http.MethodPost, "/api/admin/sync/tick", "Bearer "+tok, nil)
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *HandlerTestSuite) TestAdmin_CronSecretIsNotAdmin() {
	w, _ := s.do(http.MethodPost, "/api/admin/sync/tick", "Bearer "+testCronSecret, nil)
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *HandlerTestSuite) TestAdmin_NonAdminForbidden() {
	w, body := s.do(http.MethodPost, "/api/admin/sync/tick", s.adminToken("reader"), nil)

	s.Equal(http.StatusForbidden, w.Code)
	s.Equal("Forbidden", body["error"])
}

func (s *HandlerTestSuite) TestAdminTick() {
	s.worker.EXPECT().Tick(gomock.Any()).Return(&domain.TickResult{Seeded: 3, QueueEmpty: true}, nil)

	w, body := s.do(http.MethodPost, "/api/admin/sync/tick", s.adminToken(RoleAdmin), nil)

	s.Equal(http.StatusOK, w.Code)
	s.Equal(true, body["success"])
	s.Equal("Queue empty", body["message"])
	details, ok := body["details"].(map[string]any)
	s.Require().True(ok)
	s.Equal(float64(3), details["seeded"])
}

func (s *HandlerTestSuite) TestForceSync() {
	task := &domain.Task{
		ID:         uuid.New(),
		ExternalID: "m1",
		Type:       domain.TaskTypeSeries,
		Priority:   100,
		Status:     domain.TaskStatusPending,
		Meta:       domain.SeriesMeta{},
	}
	s.admin.EXPECT().ForceSync(gomock.Any(), "m1", (*int)(nil)).Return(task, nil)

	w, body := s.do(http.MethodPost, "/api/admin/sync/force", s.adminToken(RoleAdmin), []byte(`{"manga_id":"m1"}`))

	s.Equal(http.StatusOK, w.Code)
	s.Equal(true, body["success"])
	s.Equal("Sync queued for m1", body["message"])
	got, ok := body["task"].(map[string]any)
	s.Require().True(ok)
	s.Equal("pending", got["status"])
	s.Equal(float64(100), got["priority"])
}

func (s *HandlerTestSuite) TestForceSync_WithPriority() {
	s.admin.EXPECT().ForceSync(gomock.Any(), "m1", gomock.Any()).DoAndReturn(
		func(_ context.Context, id string, priority *int) (*domain.Task, error) {
			s.Require().NotNil(priority)
			s.Equal(7, *priority)
			return &domain.Task{ExternalID: id, Priority: *priority, Meta: domain.SeriesMeta{}}, nil
		},
	)

	w, _ := s.do(http.MethodPost, "/api/admin/sync/force", s.adminToken(RoleAdmin), []byte(`{"manga_id":"m1","priority":7}`))

	s.Equal(http.StatusOK, w.Code)
}

func (s *HandlerTestSuite) TestForceSync_MissingMangaID() {
	for _, payload := range []string{`{}`, `{"manga_id":""}`, `{"manga_id":"   "}`, `{"priority":5}`} {
		w, body := s.do(http.MethodPost, "/api/admin/sync/force", s.adminToken(RoleAdmin), []byte(payload))
		s.Equal(http.StatusBadRequest, w.Code, payload)
		s.Equal(false, body["success"])
		s.Equal("manga_id is required", body["error"], payload)
	}
}

func (s *HandlerTestSuite) TestForceSync_MalformedBody() {
	for _, payload := range []string{`not json`, `{"manga_id":"m1","priority":"high"}`, `{"manga_id":"m1","priority":1.5}`} {
		w, body := s.do(http.MethodPost, "/api/admin/sync/force", s.adminToken(RoleAdmin), []byte(payload))
		s.Equal(http.StatusBadRequest, w.Code, payload)
		s.Equal(false, body["success"])
		s.Contains(body["error"], "invalid request body", payload)
		s.NotEqual("manga_id is required", body["error"], payload)
	}
}

func (s *HandlerTestSuite) TestListTasks() {
	overview := &domain.QueueOverview{
		Tasks:  []domain.Task{{ID: uuid.New(), ExternalID: "m1", Type: domain.TaskTypeChapters, Meta: domain.ChaptersMeta{Offset: 100, InternalID: 3}}},
		Counts: domain.QueueStats{domain.TaskStatusPending: 1},
	}
	s.admin.EXPECT().QueueOverview(gomock.Any(), 10).Return(overview, nil)

	w, body := s.do(http.MethodGet, "/api/admin/sync/tasks?limit=10", s.adminToken(RoleAdmin), nil)

	s.Equal(http.StatusOK, w.Code)
	tasks, ok := body["tasks"].([]any)
	s.Require().True(ok)
	s.Require().Len(tasks, 1)
	meta := tasks[0].(map[string]any)["metadata"].(map[string]any)
	s.Equal(float64(100), meta["offset"])
	s.Equal(map[string]any{"pending": float64(1)}, body["counts"])
}

func (s *HandlerTestSuite) TestListTasks_BadLimitUsesDefault() {
	s.admin.EXPECT().QueueOverview(gomock.Any(), 0).Return(&domain.QueueOverview{Tasks: []domain.Task{}}, nil)

	w, _ := s.do(http.MethodGet, "/api/admin/sync/tasks?limit=abc", s.adminToken(RoleAdmin), nil)

	s.Equal(http.StatusOK, w.Code)
}

func (s *HandlerTestSuite) TestClearCompleted() {
	s.admin.EXPECT().ClearCompleted(gomock.Any()).Return(int64(5), nil)

	w, body := s.do(http.MethodDelete, "/api/admin/sync/tasks/completed", s.adminToken(RoleAdmin), nil)

	s.Equal(http.StatusOK, w.Code)
	s.Equal(true, body["success"])
	s.Equal(float64(5), body["deleted"])
}

func (s *HandlerTestSuite) TestHealthAndReady() {
	w, body := s.do(http.MethodGet, "/healthz", "", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal("ok", body["status"])

	s.db.EXPECT().PingContext(gomock.Any()).Return(nil)
	w, _ = s.do(http.MethodGet, "/readyz", "", nil)
	s.Equal(http.StatusOK, w.Code)

	s.db.EXPECT().PingContext(gomock.Any()).Return(errors.New("connection refused"))
	w, body = s.do(http.MethodGet, "/readyz", "", nil)
	s.Equal(http.StatusServiceUnavailable, w.Code)
	s.Equal("unavailable", body["status"])
}

func (s *HandlerTestSuite) TestMetricsEndpoint() {
	w, _ := s.do(http.MethodGet, "/metrics", "", nil)

	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), "neosync_")
}

func (s *HandlerTestSuite) TestTokenService_RejectsWrongIssuer() {
	other := TokenService{Secret: []byte(testJWTSecret), Issuer: "someone-else"}
	tok, err := other.Sign("user-1", RoleAdmin, time.Hour)
	s.Require().NoError(err)

	_, err = s.tokens.Parse(tok)
	s.Error(err)
}
