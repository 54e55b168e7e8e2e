package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"riddleflow/internal/grading/model"
	appErr "riddleflow/pkg/errors"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubStatus map[int64]model.GradingStatus

func (s stubStatus) Get(_ context.Context, id int64) (model.GradingStatus, error) {
	st, ok := s[id]
	if !ok {
		return model.GradingStatus{}, appErr.New(appErr.SubmissionNotFound)
	}
	return st, nil
}

type stubReports struct{}

func (stubReports) Load(_ context.Context, id int64) (model.Report, error) {
	return model.Report{SubmissionID: id, Verdict: model.Verdict{Kind: model.VerdictSuccess}}, nil
}

func TestGradingControllerRoutes(t *testing.T) {
	t.Parallel()

	status := stubStatus{
		7: {SubmissionID: 7, State: model.StateRunning, TotalTests: 3, DoneTests: 1},
	}
	r := gin.New()
	NewGradingController(status, stubReports{}).Register(r)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantBody func(t *testing.T, data json.RawMessage)
	}{
		{
			name:     "status found",
			path:     "/api/v1/grading/submissions/7",
			wantCode: http.StatusOK,
			wantBody: func(t *testing.T, data json.RawMessage) {
				var st model.GradingStatus
				if err := json.Unmarshal(data, &st); err != nil {
					t.Fatalf("decode status failed: %v", err)
				}
				if st.State != model.StateRunning || st.DoneTests != 1 {
					t.Fatalf("unexpected status: %+v", st)
				}
			},
		},
		{name: "invalid id", path: "/api/v1/grading/submissions/abc", wantCode: http.StatusBadRequest},
		{name: "negative id", path: "/api/v1/grading/submissions/-1", wantCode: http.StatusBadRequest},
		{name: "unknown submission", path: "/api/v1/grading/submissions/8", wantCode: appErr.SubmissionNotFound.HTTPStatus()},
		{
			name:     "report",
			path:     "/api/v1/grading/submissions/9/report",
			wantCode: http.StatusOK,
			wantBody: func(t *testing.T, data json.RawMessage) {
				var rep model.Report
				if err := json.Unmarshal(data, &rep); err != nil {
					t.Fatalf("decode report failed: %v", err)
				}
				if rep.SubmissionID != 9 || rep.Verdict.Kind != model.VerdictSuccess {
					t.Fatalf("unexpected report: %+v", rep)
				}
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			r.ServeHTTP(w, req)
			if w.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
			if tt.wantBody == nil {
				return
			}
			var resp struct {
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response failed: %v", err)
			}
			tt.wantBody(t, resp.Data)
		})
	}
}
