package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capgate/internal/config"
	"github.com/roach88/capgate/internal/gateway"
	"github.com/roach88/capgate/internal/protocol"
	"github.com/roach88/capgate/internal/testutil"
)

const (
	editor = "Bearer tok-editor"
	media  = "Bearer tok-media"
)

func newServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Auth = config.AuthConfig{
		Mode:   config.AuthStatic,
		Tokens: map[string]string{"tok-editor": "user123", "tok-media": "user456"},
	}
	cfg.Permissions = map[string][]string{
		"user123": {"file.read", "file.write"},
		"user456": {"file.read", "media.edit"},
	}
	rt, err := gateway.Assemble(context.Background(), cfg, gateway.WithIDGenerators(
		testutil.NewSequenceGenerator("job"),
		testutil.NewSequenceGenerator("sub"),
		testutil.NewSequenceGenerator("req"),
	))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	srv := httptest.NewServer(NewHandler(rt.Gateway, opts...))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, credential string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	if credential != "" {
		req.Header.Set("Authorization", credential)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeError(t *testing.T, data []byte) protocol.ErrorEnvelope {
	t.Helper()
	var env protocol.ErrorEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.NotNil(t, env.Error)
	return env
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestHealth(t *testing.T) {
	srv := newServer(t)

	resp, body := do(t, srv, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestDiscover(t *testing.T) {
	srv := newServer(t)

	resp, body := do(t, srv, http.MethodGet, "/v1/capabilities", "", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var out protocol.DiscoverResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out.Capabilities, 3)
	assert.Equal(t, "capgate", out.Metadata.AppName)
}

func TestDiscover_BadConstraint(t *testing.T) {
	srv := newServer(t)

	resp, body := do(t, srv, http.MethodGet, "/v1/capabilities?version=%3E%3E", "", nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, protocol.CodeInvalidRequest, decodeError(t, body).Error.Code)
}

func TestExecute_Unauthenticated(t *testing.T) {
	srv := newServer(t)

	resp, body := do(t, srv, http.MethodPost, "/v1/execute/file.read", "", map[string]any{})

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	golden(t).Assert(t, "unauthenticated", body)
}

func TestExecute_ErrorStatuses(t *testing.T) {
	srv := newServer(t)

	tests := []struct {
		name       string
		credential string
		capability string
		params     map[string]any
		status     int
		code       protocol.ErrorCode
	}{
		{"bad token", "Bearer nope", "file.read", nil, http.StatusForbidden, protocol.CodeInvalidCredential},
		{"unknown capability", editor, "file.delete", nil, http.StatusNotFound, protocol.CodeCapabilityNotFound},
		{"permission denied", editor, "image.process", nil, http.StatusForbidden, protocol.CodePermissionDenied},
		{"invalid parameters", editor, "file.read", map[string]any{"path": 7}, http.StatusBadRequest, protocol.CodeInvalidParameters},
		{"handler failure", editor, "file.read", map[string]any{"path": "/missing"}, http.StatusInternalServerError, protocol.CodeExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, srv, http.MethodPost, "/v1/execute/"+tt.capability, tt.credential,
				map[string]any{"parameters": tt.params})

			assert.Equal(t, tt.status, resp.StatusCode)
			env := decodeError(t, body)
			assert.Equal(t, protocol.StatusError, env.Status)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestExecute_Sync(t *testing.T) {
	srv := newServer(t)

	resp, body := do(t, srv, http.MethodPost, "/v1/execute/file.read", editor, map[string]any{
		"parameters": map[string]any{"path": "/demo/readme.txt"},
		"context":    map[string]any{"requestId": "client-1"},
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Status string         `json:"status"`
		Result map[string]any `json:"result"`
		Meta   struct {
			RequestID string `json:"requestId"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, "capgate demo file", out.Result["content"])
	assert.Equal(t, "client-1", out.Meta.RequestID)
}

func TestExecute_AsyncThenPoll(t *testing.T) {
	srv := newServer(t)

	resp, body := do(t, srv, http.MethodPost, "/v1/execute/image.process", media, map[string]any{
		"parameters": map[string]any{
			"imageId":    "img-1",
			"operations": []any{map[string]any{"type": "resize"}},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/v1/jobs/job-1", resp.Header.Get("Location"))
	assert.JSONEq(t, `{"status":"accepted","jobId":"job-1","statusLocation":"/v1/jobs/job-1"}`, string(body))

	require.Eventually(t, func() bool {
		resp, body := do(t, srv, http.MethodGet, "/v1/jobs/job-1", media, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var st protocol.JobStatusResponse
		require.NoError(t, json.Unmarshal(body, &st))
		return st.Status == protocol.JobCompleted && st.Progress == 100
	}, 2*time.Second, 5*time.Millisecond)

	resp, body = do(t, srv, http.MethodGet, "/v1/jobs/job-1", editor, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	golden(t).Assert(t, "job_not_found_foreign_owner", body)
}

func TestMalformedBody(t *testing.T) {
	srv := newServer(t)

	resp, body := do(t, srv, http.MethodPost, "/v1/batch", editor, `{"operations": [`)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, protocol.CodeInvalidRequest, decodeError(t, body).Error.Code)
}

func TestBodyLimit(t *testing.T) {
	srv := newServer(t, WithMaxBodyBytes(16))

	resp, _ := do(t, srv, http.MethodPost, "/v1/execute/file.read", editor,
		map[string]any{"parameters": map[string]any{"path": strings.Repeat("a", 64)}})

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestBatch(t *testing.T) {
	srv := newServer(t)
	ops := []map[string]any{
		{"capability": "file.read", "parameters": map[string]any{"path": "/demo/readme.txt"}},
		{"capability": "image.process", "parameters": map[string]any{"imageId": "i", "operations": []any{}}},
		{"capability": "file.read", "parameters": map[string]any{"path": "/demo/readme.txt"}},
	}

	resp, body := do(t, srv, http.MethodPost, "/v1/batch", editor, map[string]any{"operations": ops})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out protocol.BatchResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, protocol.StatusSuccess, out.Status)
	require.Len(t, out.Results, 3)
	assert.True(t, out.Results[1].Failed())

	resp, body = do(t, srv, http.MethodPost, "/v1/batch", editor, map[string]any{"operations": ops, "atomicity": "all_or_nothing"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	out = protocol.BatchResponse{}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, protocol.StatusError, out.Status)
	assert.Len(t, out.Results, 2)
	require.NotNil(t, out.Error)
	assert.Equal(t, protocol.CodeBatchFailed, out.Error.Code)
}

func TestBatch_Empty(t *testing.T) {
	srv := newServer(t)

	resp, body := do(t, srv, http.MethodPost, "/v1/batch", editor, map[string]any{"operations": []any{}})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, protocol.CodeInvalidRequest, decodeError(t, body).Error.Code)
}

func TestSubscriptionLifecycle(t *testing.T) {
	srv := newServer(t)

	resp, body := do(t, srv, http.MethodPost, "/v1/subscribe", media, map[string]any{
		"capabilities": []string{"image.process"},
		"events":       []string{"job.completed"},
		"callback":     "https://hooks.example.com/x",
		"duration":     60,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sub protocol.SubscribeResponse
	require.NoError(t, json.Unmarshal(body, &sub))
	assert.Equal(t, "sub-1", sub.SubscriptionID)
	assert.Equal(t, protocol.StatusActive, sub.Status)

	resp, body = do(t, srv, http.MethodGet, "/v1/subscriptions", media, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Subscriptions []protocol.Subscription `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Subscriptions, 1)
	assert.Equal(t, "https://hooks.example.com/x", list.Subscriptions[0].Callback)

	resp, _ = do(t, srv, http.MethodDelete, "/v1/subscriptions/sub-1", media, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = do(t, srv, http.MethodDelete, "/v1/subscriptions/sub-1", media, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, protocol.CodeSubscriptionMissing, decodeError(t, body).Error.Code)
}

func TestSubscribe_InsecureCallback(t *testing.T) {
	srv := newServer(t)

	resp, body := do(t, srv, http.MethodPost, "/v1/subscribe", media, map[string]any{
		"capabilities": []string{"image.process"},
		"callback":     "http://hooks.example.com/x",
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, protocol.CodeInvalidSubscription, decodeError(t, body).Error.Code)
}

func TestUnknownRoute(t *testing.T) {
	srv := newServer(t)

	resp, body := do(t, srv, http.MethodGet, "/v2/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	decodeError(t, body)

	resp, _ = do(t, srv, http.MethodPut, "/v1/batch", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusCode(t *testing.T) {
	tests := map[protocol.ErrorCode]int{
		protocol.CodeUnauthenticated:     401,
		protocol.CodeInvalidCredential:   403,
		protocol.CodeCapabilityNotFound:  404,
		protocol.CodePermissionDenied:    403,
		protocol.CodeInvalidParameters:   400,
		protocol.CodeExecutionFailed:     500,
		protocol.CodeBatchFailed:         400,
		protocol.CodeInvalidSubscription: 400,
		protocol.CodeInvalidRequest:      400,
		protocol.CodeJobNotFound:         404,
		protocol.CodeSubscriptionMissing: 404,
		protocol.CodeJobTimeout:          504,
		protocol.CodeInternal:            500,
	}
	for code, want := range tests {
		assert.Equal(t, want, StatusCode(code), string(code))
	}
}
