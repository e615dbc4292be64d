package notify

import (
	"context"
	"errors"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

func TestCanonicalizeRecipient(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "15551234567", want: "15551234567"},
		{in: "+1 (555) 123-4567", want: "15551234567"},
		{in: "", wantErr: true},
		{in: "not a number", wantErr: true},
		{in: "12345", wantErr: true},
	}
	for _, tt := range tests {
		got, err := CanonicalizeRecipient(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("CanonicalizeRecipient(%q) accepted invalid input", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("CanonicalizeRecipient(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CanonicalizeRecipient(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNoop(t *testing.T) {
	n := NewNoop()
	if err := n.Send(context.Background(), "restart notice"); err != nil {
		t.Errorf("Send: %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

type fakeCreator struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	return &twilioApi.ApiV2010Message{}, nil
}

func TestTwilioSend(t *testing.T) {
	fake := &fakeCreator{}
	svc := &Twilio{api: fake, from: "whatsapp:+19998887777", recipient: "15551234567"}

	if err := svc.Send(context.Background(), "application restarted"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fake.params) != 1 {
		t.Fatalf("got %d API calls, want 1", len(fake.params))
	}
	p := fake.params[0]
	if p.To == nil || *p.To != "whatsapp:+15551234567" {
		t.Errorf("To = %v, want whatsapp:+15551234567", p.To)
	}
	if p.From == nil || *p.From != "whatsapp:+19998887777" {
		t.Errorf("From = %v", p.From)
	}
	if p.Body == nil || *p.Body != "application restarted" {
		t.Errorf("Body = %v", p.Body)
	}
}

func TestTwilioSendRejectsEmptyMessage(t *testing.T) {
	fake := &fakeCreator{}
	svc := &Twilio{api: fake, from: "whatsapp:+19998887777", recipient: "15551234567"}
	if err := svc.Send(context.Background(), ""); err == nil {
		t.Error("Send accepted an empty message")
	}
	if len(fake.params) != 0 {
		t.Errorf("empty message reached the API (%d calls)", len(fake.params))
	}
}

func TestTwilioSendSurfacesAPIErrors(t *testing.T) {
	fake := &fakeCreator{err: errors.New("rate limited")}
	svc := &Twilio{api: fake, from: "whatsapp:+19998887777", recipient: "15551234567"}
	if err := svc.Send(context.Background(), "hi"); err == nil {
		t.Error("Send swallowed an API error")
	}
}

func TestNewTwilioRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewTwilio("15551234567"); err == nil {
		t.Error("NewTwilio accepted missing credentials")
	}
	if _, err := NewTwilio("15551234567", WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("NewTwilio accepted a missing sender number")
	}
	if _, err := NewTwilio("bad", WithAccountSID("AC123"), WithAuthToken("tok"), WithFrom("whatsapp:+1999")); err == nil {
		t.Error("NewTwilio accepted an invalid recipient")
	}
}
