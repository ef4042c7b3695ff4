package mailhook

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/mail"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gfreezy/mailhook/smtpclient"
	"github.com/gfreezy/mailhook/types"
)

type mockHook struct {
	mu         sync.Mutex
	mails      []types.Mail
	deliveries []*types.Delivery
}

func (h *mockHook) AcceptRecipient(rcpt string) bool {
	return strings.HasSuffix(rcpt, "@mail.allsunday.io")
}

func (h *mockHook) HandleMail(_ context.Context, m types.Mail, d *types.Delivery) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mails = append(h.mails, m)
	h.deliveries = append(h.deliveries, d)
	return nil
}

type mockResolver struct {
	addr *net.TCPAddr
}

func (r *mockResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	return []*net.MX{{Host: "mx.allsunday.io", Pref: 10}}, nil
}

func (r *mockResolver) LookupIPAddr(ctx context.Context, name string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: r.addr.IP, Zone: r.addr.Zone}}, nil
}

func (r *mockResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return nil, nil
}

func (r *mockResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	return nil, nil
}

func TestServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := &mockHook{}
	s, err := NewServer(
		"localhost:0",
		"",
		h,
	)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	go func() {
		assert.NoError(t, s.Serve(ctx))
	}()
	defer s.Shutdown(context.Background())
	select {
	case <-ctx.Done():
		t.FailNow()
	case <-s.Ready():
	}

	sc, err := smtpclient.NewClient(
		"sender.example.com",
		smtpclient.WithResolver(&mockResolver{s.Addr().(*net.TCPAddr)}),
		smtpclient.WithPorts(s.Addr().(*net.TCPAddr).Port),
	)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	err = sc.SendMails(ctx, "mail.allsunday.io", []smtpclient.Mail{
		types.NewMail("sender@google.com", []string{"oc_abc@mail.allsunday.io"}, []byte("Subject: hello\r\n\r\nHello, world!\r\n")),
	})
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if assert.Len(t, h.mails, 1) {
		assert.Equal(t, "sender@google.com", h.mails[0].Sender())
		assert.Equal(t, []string{"oc_abc@mail.allsunday.io"}, h.mails[0].Recipients())
		m, err := mail.ReadMessage(bytes.NewReader(h.mails[0].Data()))
		if !assert.NoError(t, err) {
			t.FailNow()
		}
		assert.Equal(t, "hello", m.Header.Get("Subject"))
		b, err := io.ReadAll(m.Body)
		if !assert.NoError(t, err) {
			t.FailNow()
		}
		assert.Equal(t, []byte("Hello, world!\r\n"), b)
	}
	if assert.Len(t, h.deliveries, 1) {
		assert.Equal(t, "ESMTP", h.deliveries[0].Protocol)
		assert.NotEmpty(t, h.deliveries[0].RemoteAddr)
	}
}

func TestServerRejectsForeignDomain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := &mockHook{}
	s, err := NewServer("localhost:0", "", h)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	go func() {
		assert.NoError(t, s.Serve(ctx))
	}()
	defer s.Shutdown(context.Background())
	<-s.Ready()

	sc, err := smtpclient.NewClient(
		"sender.example.com",
		smtpclient.WithResolver(&mockResolver{s.Addr().(*net.TCPAddr)}),
		smtpclient.WithPorts(s.Addr().(*net.TCPAddr).Port),
	)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	err = sc.SendMails(ctx, "elsewhere.example.com", []smtpclient.Mail{
		types.NewMail("sender@google.com", []string{"somebody@elsewhere.example.com"}, []byte("Subject: x\r\n\r\nbody\r\n")),
	})
	assert.Error(t, err)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.mails)
}
