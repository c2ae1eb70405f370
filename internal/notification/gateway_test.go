package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGatewaySend(t *testing.T) {
	var got sendPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sms/send", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message_id":"abc-123","status":"sent"}`))
	}))
	defer srv.Close()

	gw := NewHTTPGateway(GatewayConfig{BaseURL: srv.URL + "/", APIKey: "key", APISecret: "secret", SenderID: "HOSPITAL"})
	id, err := gw.Send(context.Background(), "+255711000001", "hello")

	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
	assert.Equal(t, sendPayload{From: "HOSPITAL", To: "+255711000001", Text: "hello"}, got)
}

func TestHTTPGatewaySendErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "non 2xx", status: http.StatusServiceUnavailable, body: "maintenance", wantErr: "HTTP 503"},
		{name: "malformed body", status: http.StatusOK, body: "<html>", wantErr: ErrMalformedResponse.Error()},
		{name: "missing id", status: http.StatusOK, body: `{"status":"sent"}`, wantErr: "missing message_id"},
		{name: "provider rejection", status: http.StatusOK, body: `{"status":"failed","error":"insufficient credit"}`, wantErr: "insufficient credit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPGateway(GatewayConfig{BaseURL: srv.URL}).Send(context.Background(), "+255711000001", "hello")

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHTTPGatewayTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewHTTPGateway(GatewayConfig{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}).Send(context.Background(), "+255711000001", "hello")

	require.Error(t, err)
}

func TestHTTPGatewaySendBulk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sms/bulk", r.URL.Path)
		var in bulkPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, []string{"+1", "+2", "+3"}, in.To)
		_, _ = w.Write([]byte(`{"results":[
			{"to":"+2","message_id":"m2","status":"sent"},
			{"to":"+1","message_id":"m1","status":"queued"}
		]}`))
	}))
	defer srv.Close()

	res, err := NewHTTPGateway(GatewayConfig{BaseURL: srv.URL}).SendBulk(context.Background(), []string{"+1", "+2", "+3"}, "hello")

	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "m1", res.Results[0].MessageID)
	assert.Equal(t, "m2", res.Results[1].MessageID)
	assert.ErrorIs(t, res.Results[2].Err, ErrMalformedResponse)
}

func TestHTTPGatewayTestModeSkipsNetwork(t *testing.T) {
	gw := NewHTTPGateway(GatewayConfig{TestMode: true})

	id, err := gw.Send(context.Background(), "+255711000001", "hello")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "test-"))

	res, err := gw.SendBulk(context.Background(), []string{"+1", "+2"}, "hello")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
}

func TestHTTPGatewayWithoutBaseURL(t *testing.T) {
	_, err := NewHTTPGateway(GatewayConfig{}).Send(context.Background(), "+255711000001", "hello")
	assert.ErrorIs(t, err, ErrGatewayDisabled)
}

func TestRenderFallsBackToPending(t *testing.T) {
	data := TemplateData{Name: "Amina", Type: "module_access", Reference: "ICT-1"}

	key, msg, err := Render("escalated", data)
	require.NoError(t, err)
	assert.Equal(t, TemplatePending, key)
	assert.Equal(t, "Dear Amina, your Module Access request (ICT-1) has been received and is pending approval.", msg)

	assert.Equal(t, TemplatePending, TemplateForStatus("in_review"))
	assert.Equal(t, TemplatePending, TemplateForStatus(""))
	assert.Equal(t, TemplateRejected, TemplateForStatus("rejected"))
}

func TestRenderRejectedIncludesReason(t *testing.T) {
	_, msg, err := Render(TemplateRejected, TemplateData{Name: "Amina", Type: "combined_access", Reference: "ICT-2", Reason: "policy violation"})

	require.NoError(t, err)
	assert.Equal(t, "Dear Amina, your Jeeva, Wellsoft and Internet Access request (ICT-2) has been rejected. Reason: policy violation", msg)
}
