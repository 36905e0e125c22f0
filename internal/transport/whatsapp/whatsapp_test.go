package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

func TestNormalizeNumber(t *testing.T) {
	tests := []struct{ in, want string }{
		{"whatsapp:+15550100", "+15550100"},
		{"WhatsApp:+1 555 0100", "+15550100"},
		{" +15550100 ", "+15550100"},
		{"", ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeNumber(tt.in); got != tt.want {
				t.Fatalf("NormalizeNumber(%q) = %q want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	c, err := New(Config{AccountSID: "AC1", AuthToken: "tok", From: "+1000", AllowedNumbers: []string{"+15550100"}}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !c.Allowed("whatsapp:+15550100") {
		t.Fatalf("listed number rejected")
	}
	if c.Allowed("+19990000") {
		t.Fatalf("unlisted number allowed")
	}

	open, _ := New(Config{AccountSID: "AC1", AuthToken: "tok", From: "+1000"}, logx.Nop())
	if !open.Allowed("+19990000") {
		t.Fatalf("empty allow-list should allow everyone")
	}
}

func TestSendTextPostsForm(t *testing.T) {
	var gotPath, gotTo, gotFrom, gotBody, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		_ = r.ParseForm()
		gotTo, gotFrom, gotBody = r.PostForm.Get("To"), r.PostForm.Get("From"), r.PostForm.Get("Body")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	}))
	defer srv.Close()

	c, err := New(Config{AccountSID: "AC1", AuthToken: "tok", From: "whatsapp:+1000", APIBaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.SendText(context.Background(), "+15550100", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/2010-04-01/Accounts/AC1/Messages.json" || gotUser != "AC1" {
		t.Fatalf("unexpected request path=%q user=%q", gotPath, gotUser)
	}
	if gotTo != "whatsapp:+15550100" || gotFrom != "whatsapp:+1000" || gotBody != "hello" {
		t.Fatalf("unexpected form to=%q from=%q body=%q", gotTo, gotFrom, gotBody)
	}
}

func TestSendTextClassifiesErrors(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`))
	}))
	defer srv.Close()

	c, _ := New(Config{AccountSID: "AC1", AuthToken: "tok", From: "+1000", APIBaseURL: srv.URL}, logx.Nop())
	err := c.SendText(context.Background(), "+1", "x")
	if !errors.Is(err, kit.ErrPermanent) {
		t.Fatalf("400 should be permanent, got %v", err)
	}

	status = http.StatusServiceUnavailable
	err = c.SendText(context.Background(), "+1", "x")
	if err == nil || errors.Is(err, kit.ErrPermanent) {
		t.Fatalf("503 should be transient, got %v", err)
	}
}
