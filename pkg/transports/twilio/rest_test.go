package twilio

import (
	"context"
	"errors"
	"testing"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type stubCreator struct {
	last *api.CreateCallParams
	sid  string
	err  error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

type stubCallRecorder struct {
	callSID  string
	channels string
	err      error
}

func (s *stubCallRecorder) CreateCallRecording(callSID string, params *api.CreateCallRecordingParams) (*api.ApiV2010CallRecording, error) {
	s.callSID = callSID
	if params != nil && params.RecordingChannels != nil {
		s.channels = *params.RecordingChannels
	}
	if s.err != nil {
		return nil, s.err
	}
	sid := "RE123"
	return &api.ApiV2010CallRecording{Sid: &sid}, nil
}

func TestDialerUsesIncomingWebhook(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token", PublicURL: "https://example.com"})
	d.client = stub

	sid, err := d.Dial(context.Background(), "+100", "+200", DialOptions{SendDigits: "ww1"})
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected CA123, got %q", sid)
	}
	if stub.last == nil || stub.last.Url == nil || *stub.last.Url != "https://example.com/incoming" {
		t.Fatalf("expected incoming webhook url, got %+v", stub.last)
	}
	if stub.last.SendDigits == nil || *stub.last.SendDigits != "ww1" {
		t.Fatalf("expected send digits")
	}
}

func TestDialerValidation(t *testing.T) {
	d := NewDialer(Config{})
	if _, err := d.Dial(context.Background(), "+100", "+200", DialOptions{}); err == nil {
		t.Fatalf("expected missing credentials error")
	}
	d = NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	if _, err := d.Dial(context.Background(), "", "+200", DialOptions{}); err == nil {
		t.Fatalf("expected missing number error")
	}
}

func TestRecorderRequestsDualChannel(t *testing.T) {
	stub := &stubCallRecorder{}
	r := NewRecorder(Config{AccountSID: "AC1", AuthToken: "token"})
	r.client = stub

	sid, err := r.Record(context.Background(), "CA123")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if sid != "RE123" || stub.callSID != "CA123" || stub.channels != "dual" {
		t.Fatalf("unexpected recording request sid=%q call=%q channels=%q", sid, stub.callSID, stub.channels)
	}

	stub.err = errors.New("boom")
	if _, err := r.Record(context.Background(), "CA123"); err == nil {
		t.Fatalf("expected recording failure")
	}
	if _, err := r.Record(context.Background(), " "); err == nil {
		t.Fatalf("expected call sid validation")
	}
}

func TestDialerReportsStatusCallbackAndReason(t *testing.T) {
	stub := &stubCreator{err: errors.New("21211 invalid to")}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token", PublicURL: "bridge.example.com"})
	d.client = stub
	_, err := d.Dial(context.Background(), "+1", "+200", DialOptions{URL: "https://elsewhere.example.com/twiml"})
	if !errorsx.HasReason(err, errorsx.ReasonTransportDial) {
		t.Fatalf("expected dial reason, got %v", err)
	}
	if *stub.last.Url != "https://elsewhere.example.com/twiml" {
		t.Fatalf("expected url override, got %s", *stub.last.Url)
	}
	if stub.last.StatusCallback == nil || *stub.last.StatusCallback != "https://bridge.example.com/status" {
		t.Fatalf("expected status callback, got %v", stub.last.StatusCallback)
	}
}
