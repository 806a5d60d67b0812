package twilio

import (
	"context"
	"errors"
	"strings"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

var (
	errNoCredentials = errorsx.Wrapf(errorsx.ReasonConfigMissing, "twilio account_sid and auth_token are required")
	errNoSID         = errors.New("twilio returned no sid")
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

type callRecorder interface {
	CreateCallRecording(callSID string, params *api.CreateCallRecordingParams) (*api.ApiV2010CallRecording, error)
}

// restAPI returns the account's REST API service, or errNoCredentials.
func restAPI(cfg Config) (*api.ApiService, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errNoCredentials
	}
	return twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	}).Api, nil
}

// Dialer places outbound calls that are answered by the incoming webhook.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// DialOptions overrides the answering URL or sends DTMF once the callee
// picks up, e.g. to get through a phone tree ("ww1").
type DialOptions struct {
	URL        string
	SendDigits string
}

// Dial calls to from the given number and returns the call SID. Status
// callbacks for the call go to the bridge's status endpoint.
func (d *Dialer) Dial(ctx context.Context, to, from string, opts DialOptions) (string, error) {
	if strings.TrimSpace(to) == "" || strings.TrimSpace(from) == "" {
		return "", errorsx.Wrapf(errorsx.ReasonConfigInvalid, "dial: to and from are required")
	}
	client := d.client
	if client == nil {
		svc, err := restAPI(d.cfg)
		if err != nil {
			return "", err
		}
		client = svc
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	if opts.URL != "" {
		params.SetUrl(opts.URL)
	} else {
		params.SetUrl(d.cfg.incomingURL())
	}
	if d.cfg.PublicURL != "" {
		params.SetStatusCallback(d.cfg.statusCallbackURL())
	}
	if digits := strings.TrimSpace(opts.SendDigits); digits != "" {
		params.SetSendDigits(digits)
	}
	call, err := client.CreateCall(params)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTransportDial)
	}
	if call == nil || call.Sid == nil {
		return "", errorsx.Wrap(errNoSID, errorsx.ReasonTransportDial)
	}
	return *call.Sid, nil
}

// Recorder starts dual-channel recordings of live calls, caller and agent
// on separate channels.
type Recorder struct {
	cfg    Config
	client callRecorder
}

func NewRecorder(cfg Config) *Recorder {
	return &Recorder{cfg: cfg.withDefaults()}
}

// Record asks Twilio to record callSID and returns the recording SID.
func (r *Recorder) Record(ctx context.Context, callSID string) (string, error) {
	if strings.TrimSpace(callSID) == "" {
		return "", errorsx.Wrapf(errorsx.ReasonTransportRecording, "record: call sid required")
	}
	client := r.client
	if client == nil {
		svc, err := restAPI(r.cfg)
		if err != nil {
			return "", err
		}
		client = svc
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &api.CreateCallRecordingParams{}
	params.SetRecordingChannels("dual")
	rec, err := client.CreateCallRecording(callSID, params)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTransportRecording)
	}
	if rec == nil || rec.Sid == nil {
		return "", errorsx.Wrap(errNoSID, errorsx.ReasonTransportRecording)
	}
	return *rec.Sid, nil
}
