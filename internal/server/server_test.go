package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	chamadomain "github.com/smallbiznis/chama/internal/chama/domain"
	"github.com/smallbiznis/chama/internal/config"
	"github.com/smallbiznis/chama/internal/contribution"
	obscontext "github.com/smallbiznis/chama/internal/observability/context"
	"github.com/smallbiznis/chama/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "s3cret"

type fakeBatchRunner struct {
	calls     int
	summary   scheduler.BatchSummary
	err       error
	ctxErr    error
	actorType string
}

func (f *fakeBatchRunner) RunOnce(ctx context.Context) (scheduler.BatchSummary, error) {
	f.calls++
	f.ctxErr = ctx.Err()
	f.actorType, _ = obscontext.ActorFromContext(ctx)
	return f.summary, f.err
}

type fakeDepositor struct {
	last contribution.DepositRequest
	err  error
}

func (f *fakeDepositor) DepositForMember(ctx context.Context, req contribution.DepositRequest) (*chamadomain.Contribution, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &chamadomain.Contribution{
		ID:        snowflake.ID(900),
		ChamaID:   req.ChamaID,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Cycle:     1,
		Round:     2,
		TxHash:    "0xabc",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func newTestServer(secret string, batch BatchRunner, deposits Depositor) *Server {
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	srv := &Server{
		engine:   engine,
		cfg:      config.Config{CronSecret: secret},
		log:      zap.NewNop(),
		batch:    batch,
		deposits: deposits,
	}
	srv.registerInternalRoutes()
	srv.registerFallback()
	return srv
}

func doRequest(srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	srv.Engine().ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body.Error
}

func TestTriggerRotationRequiresSecret(t *testing.T) {
	cases := []struct {
		name   string
		secret string
		token  string
	}{
		{name: "missing token", secret: testSecret},
		{name: "wrong token", secret: testSecret, token: "nope"},
		{name: "secret unset", secret: "", token: "anything"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeBatchRunner{}
			srv := newTestServer(tc.secret, runner, &fakeDepositor{})

			resp := doRequest(srv, http.MethodPost, "/internal/cron/rotation", tc.token, "")

			assert.Equal(t, http.StatusUnauthorized, resp.Code)
			assert.Equal(t, "unauthorized", decodeError(t, resp).Type)
			assert.Zero(t, runner.calls)
		})
	}
}

func TestTriggerRotationReturnsSummary(t *testing.T) {
	summary := scheduler.BatchSummary{
		RunID: "run-1",
		Jobs: []scheduler.JobSummary{
			{
				Job:       "process_payouts",
				Processed: 2,
				Failed:    1,
				Outcomes:  map[string]int{"disbursed": 1, "failed": 1},
			},
		},
	}
	runner := &fakeBatchRunner{summary: summary}
	srv := newTestServer(testSecret, runner, &fakeDepositor{})

	resp := doRequest(srv, http.MethodPost, "/internal/cron/rotation", testSecret, "")

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, runner.calls)
	assert.NoError(t, runner.ctxErr)
	assert.Equal(t, "system", runner.actorType)

	var got scheduler.BatchSummary
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got.RunID)
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, 1, got.Jobs[0].Failed)
	assert.Equal(t, 1, got.Jobs[0].Outcomes["disbursed"])
}

func TestTriggerRotationDriverFailure(t *testing.T) {
	runner := &fakeBatchRunner{err: errors.New("list due payouts: connection refused")}
	srv := newTestServer(testSecret, runner, &fakeDepositor{})

	resp := doRequest(srv, http.MethodPost, "/internal/cron/rotation", testSecret, "")

	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.Equal(t, "internal_error", decodeError(t, resp).Type)
}

func TestCreateDeposit(t *testing.T) {
	depositor := &fakeDepositor{}
	srv := newTestServer(testSecret, &fakeBatchRunner{}, depositor)

	resp := doRequest(srv, http.MethodPost, "/internal/chamas/42/deposits", testSecret, `{"user_id":"7","amount":"100"}`)

	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, snowflake.ID(42), depositor.last.ChamaID)
	assert.Equal(t, snowflake.ID(7), depositor.last.UserID)
	assert.Equal(t, "100", depositor.last.Amount)

	var body depositResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "900", body.ID)
	assert.Equal(t, "42", body.ChamaID)
	assert.Equal(t, 2, body.Round)
	assert.Equal(t, "0xabc", body.TxHash)
}

func TestCreateDepositErrors(t *testing.T) {
	cases := []struct {
		name     string
		path     string
		body     string
		err      error
		status   int
		errType  string
		errField string
	}{
		{
			name:     "bad chama id",
			path:     "/internal/chamas/abc/deposits",
			body:     `{"user_id":"7","amount":"100"}`,
			status:   http.StatusBadRequest,
			errType:  "validation_error",
			errField: "id",
		},
		{
			name:    "malformed body",
			path:    "/internal/chamas/42/deposits",
			body:    `{"user_id":`,
			status:  http.StatusBadRequest,
			errType: "validation_error",
		},
		{
			name:     "missing amount",
			path:     "/internal/chamas/42/deposits",
			body:     `{"user_id":"7"}`,
			status:   http.StatusBadRequest,
			errType:  "validation_error",
			errField: "amount",
		},
		{
			name:     "amount mismatch",
			path:     "/internal/chamas/42/deposits",
			body:     `{"user_id":"7","amount":"5"}`,
			err:      chamadomain.ErrContributionMismatch,
			status:   http.StatusBadRequest,
			errType:  "validation_error",
			errField: "amount",
		},
		{
			name:    "chama not found",
			path:    "/internal/chamas/42/deposits",
			body:    `{"user_id":"7","amount":"100"}`,
			err:     chamadomain.ErrChamaNotFound,
			status:  http.StatusNotFound,
			errType: "not_found",
		},
		{
			name:    "not a member",
			path:    "/internal/chamas/42/deposits",
			body:    `{"user_id":"7","amount":"100"}`,
			err:     chamadomain.ErrNotMember,
			status:  http.StatusConflict,
			errType: "conflict",
		},
		{
			name:    "chain failure",
			path:    "/internal/chamas/42/deposits",
			body:    `{"user_id":"7","amount":"100"}`,
			err:     chamadomain.ChainExecutionError(chamadomain.OpDeposit, nil, errors.New("reverted")),
			status:  http.StatusBadGateway,
			errType: "chain_execution_error",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(testSecret, &fakeBatchRunner{}, &fakeDepositor{err: tc.err})

			resp := doRequest(srv, http.MethodPost, tc.path, testSecret, tc.body)

			require.Equal(t, tc.status, resp.Code)
			payload := decodeError(t, resp)
			assert.Equal(t, tc.errType, payload.Type)
			if tc.errField != "" {
				require.NotEmpty(t, payload.Errors)
				assert.Equal(t, tc.errField, payload.Errors[0].Field)
			}
		})
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	srv := newTestServer(testSecret, &fakeBatchRunner{}, &fakeDepositor{})

	resp := doRequest(srv, http.MethodGet, "/nope", "", "")

	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestClassifyErrorForLog(t *testing.T) {
	errType, code := classifyErrorForLog(chamadomain.DataIntegrityError(chamadomain.OpSettlePayouts, nil, chamadomain.ErrPayoutOrderMismatch))
	assert.Equal(t, "internal_error", errType)
	assert.Equal(t, chamadomain.ErrDataIntegrity.Error(), code)

	errType, code = classifyErrorForLog(ErrUnauthorized)
	assert.Equal(t, "unauthorized", errType)
	assert.Equal(t, "unauthorized", code)
}
