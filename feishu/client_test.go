package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	t             *testing.T
	tokenRequests int
	sent          []map[string]string
	replied       []map[string]string
	sendCode      int
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/open-apis/auth/v3/tenant_access_token/internal/", func(w http.ResponseWriter, r *http.Request) {
		f.tokenRequests++
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(f.t, "app-id", body["app_id"])
		assert.Equal(f.t, "app-secret", body["app_secret"])
		fmt.Fprint(w, `{"code":0,"msg":"ok","tenant_access_token":"t-token","expire":7200}`)
	})
	mux.HandleFunc("/open-apis/im/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "Bearer t-token", r.Header.Get("Authorization"))
		assert.Equal(f.t, "chat_id", r.URL.Query().Get("receive_id_type"))
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.sent = append(f.sent, body)
		fmt.Fprintf(w, `{"code":%d,"msg":"some message"}`, f.sendCode)
	})
	mux.HandleFunc("/open-apis/im/v1/messages/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "Bearer t-token", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		body["path"] = r.URL.Path
		f.replied = append(f.replied, body)
		fmt.Fprint(w, `{"code":0,"msg":"ok"}`)
	})
	return mux
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	c, err := NewClient("app-id", "app-secret", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestSendText(t *testing.T) {
	api := &fakeAPI{t: t}
	c := newTestClient(t, api)

	require.NoError(t, c.SendText(context.Background(), "oc_chat", "hello"))
	require.Len(t, api.sent, 1)
	assert.Equal(t, "oc_chat", api.sent[0]["receive_id"])
	assert.Equal(t, "text", api.sent[0]["msg_type"])
	assert.JSONEq(t, `{"text":"hello"}`, api.sent[0]["content"])
}

func TestTokenCached(t *testing.T) {
	api := &fakeAPI{t: t}
	c := newTestClient(t, api)

	require.NoError(t, c.SendText(context.Background(), "oc_chat", "one"))
	require.NoError(t, c.SendText(context.Background(), "oc_chat", "two"))
	assert.Equal(t, 1, api.tokenRequests)
}

func TestReplyText(t *testing.T) {
	api := &fakeAPI{t: t}
	c := newTestClient(t, api)

	require.NoError(t, c.ReplyText(context.Background(), "om_123", "pong"))
	require.Len(t, api.replied, 1)
	assert.Equal(t, "/open-apis/im/v1/messages/om_123/reply", api.replied[0]["path"])
	assert.Equal(t, "text", api.replied[0]["msg_type"])
	assert.JSONEq(t, `{"text":"pong"}`, api.replied[0]["content"])
}

func TestSendErrorCode(t *testing.T) {
	api := &fakeAPI{t: t, sendCode: 99991663}
	c := newTestClient(t, api)

	err := c.SendText(context.Background(), "oc_chat", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "99991663")
}

func TestSendPostMessage(t *testing.T) {
	api := &fakeAPI{t: t}
	c := newTestClient(t, api)

	post := NewPost("mail").Text("body").Line().Link("raw mail", "http://example.com/mail/x").Build()
	require.NoError(t, c.SendMessage(context.Background(), ChatID("oc_chat"), post))
	require.Len(t, api.sent, 1)
	assert.Equal(t, "post", api.sent[0]["msg_type"])
}
