package botserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gfreezy/mailhook/store"
)

type fakeStore struct {
	domain string
	chats  map[string]bool
	mails  map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{domain: "mail.allsunday.io", chats: map[string]bool{}, mails: map[string][]byte{}}
}

func (s *fakeStore) AddChat(_ context.Context, chatID string) error {
	s.chats[chatID] = true
	return nil
}

func (s *fakeStore) RemoveChat(_ context.Context, chatID string) error {
	delete(s.chats, chatID)
	return nil
}

func (s *fakeStore) MailAddress(_ context.Context, chatID string) (string, error) {
	s.chats[chatID] = true
	return fmt.Sprintf("%s@%s", chatID, s.domain), nil
}

func (s *fakeStore) GetMail(_ context.Context, id string) ([]byte, error) {
	data, ok := s.mails[id]
	if !ok {
		return nil, store.ErrMailNotFound
	}
	return data, nil
}

type fakeMessenger struct {
	sent    map[string]string // chat id -> text
	replied map[string]string // message id -> text
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{sent: map[string]string{}, replied: map[string]string{}}
}

func (m *fakeMessenger) SendText(_ context.Context, chatID, text string) error {
	m.sent[chatID] = text
	return nil
}

func (m *fakeMessenger) ReplyText(_ context.Context, messageID, text string) error {
	m.replied[messageID] = text
	return nil
}

type acceptAllVerifier struct{ reject bool }

func (v acceptAllVerifier) Verify(id, ts, sign string) bool { return !v.reject }

func newTestServer(t *testing.T, st Store, m Messenger, v Verifier) *httptest.Server {
	t.Helper()
	s, err := NewServer("localhost:0", st, m, v)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func jsonDecode(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestChallenge(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), newFakeMessenger(), acceptAllVerifier{})

	resp := postJSON(t, srv.URL+"/challenge", `{"challenge":"xyz","token":"tok","type":"url_verification"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Challenge string `json:"challenge"`
	}
	require.NoError(t, jsonDecode(resp, &body))
	assert.Equal(t, "xyz", body.Challenge)
}

func TestEventChallenge(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), newFakeMessenger(), acceptAllVerifier{})

	resp := postJSON(t, srv.URL+"/event", `{"challenge":"abc","token":"tok","type":"url_verification"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Challenge string `json:"challenge"`
	}
	require.NoError(t, jsonDecode(resp, &body))
	assert.Equal(t, "abc", body.Challenge)
}

func botEvent(eventType, chatID string) string {
	return fmt.Sprintf(`{
		"schema": "2.0",
		"header": {"event_id": "e1", "event_type": %q, "create_time": "0", "token": "t", "app_id": "a", "tenant_key": "k"},
		"event": {"chat_id": %q, "operator_id": {"union_id": "on", "user_id": "u", "open_id": "ou"}, "external": false, "operator_tenant_key": "k", "name": "chat"}
	}`, eventType, chatID)
}

func TestBotAddedRegistersChatAndAnnounces(t *testing.T) {
	st := newFakeStore()
	m := newFakeMessenger()
	srv := newTestServer(t, st, m, acceptAllVerifier{})

	resp := postJSON(t, srv.URL+"/event", botEvent("im.chat.member.bot.added_v1", "oc_1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, st.chats["oc_1"])
	assert.Equal(t, "Email address: oc_1@mail.allsunday.io", m.sent["oc_1"])
}

func TestBotRemovedUnregistersChat(t *testing.T) {
	st := newFakeStore()
	st.chats["oc_1"] = true
	srv := newTestServer(t, st, newFakeMessenger(), acceptAllVerifier{})

	resp := postJSON(t, srv.URL+"/event", botEvent("im.chat.member.bot.deleted_v1", "oc_1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, st.chats["oc_1"])
}

func messageEvent(chatType, chatID, messageID string) string {
	return fmt.Sprintf(`{
		"schema": "2.0",
		"header": {"event_id": "e2", "event_type": "im.message.receive_v1", "create_time": "0", "token": "t", "app_id": "a", "tenant_key": "k"},
		"event": {
			"sender": {"sender_id": {"union_id": "on", "user_id": "u", "open_id": "ou"}, "sender_type": "user", "tenant_key": "k"},
			"message": {"message_id": %q, "create_time": "0", "update_time": "0", "chat_id": %q, "chat_type": %q, "message_type": "text", "content": "{\"text\":\"@_user_1 hi\"}"}
		}
	}`, messageID, chatID, chatType)
}

func TestGroupMentionRepliesWithMailAddress(t *testing.T) {
	st := newFakeStore()
	m := newFakeMessenger()
	srv := newTestServer(t, st, m, acceptAllVerifier{})

	resp := postJSON(t, srv.URL+"/event", messageEvent("group", "oc_2", "om_1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, m.replied["om_1"], "oc_2@mail.allsunday.io")
	// The group is registered as a side effect of deriving its address.
	assert.True(t, st.chats["oc_2"])
}

func TestDirectMessageAsksForGroupMention(t *testing.T) {
	m := newFakeMessenger()
	srv := newTestServer(t, newFakeStore(), m, acceptAllVerifier{})

	resp := postJSON(t, srv.URL+"/event", messageEvent("p2p", "", "om_2"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, replyMentionMe, m.replied["om_2"])
}

func TestMailDownload(t *testing.T) {
	st := newFakeStore()
	st.mails["mail-1"] = []byte("Subject: x\r\n\r\nbody\r\n")
	srv := newTestServer(t, st, newFakeMessenger(), acceptAllVerifier{})

	resp, err := http.Get(srv.URL + "/mail/mail-1?ts=1&sign=good")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="mail-1.eml"`, resp.Header.Get("Content-Disposition"))
}

func TestMailDownloadBadSign(t *testing.T) {
	st := newFakeStore()
	st.mails["mail-1"] = []byte("data")
	srv := newTestServer(t, st, newFakeMessenger(), acceptAllVerifier{reject: true})

	resp, err := http.Get(srv.URL + "/mail/mail-1?ts=1&sign=bad")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMailDownloadNotFound(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), newFakeMessenger(), acceptAllVerifier{})

	resp, err := http.Get(srv.URL + "/mail/nope?ts=1&sign=good")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
