package twilio

import (
	"encoding/json"
	"log/slog"

	"github.com/harunnryd/callbridge/pkg/conn"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/relay"
)

// TwilioStart is the payload of the media stream "start" event.
type TwilioStart struct {
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	From             string            `json:"from,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type TwilioMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type TwilioStop struct {
	CallSID string `json:"callSid,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// TwilioEvent is one media stream message in either direction.
type TwilioEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *TwilioStart `json:"start,omitempty"`
	Media     *TwilioMedia `json:"media,omitempty"`
	Stop      *TwilioStop  `json:"stop,omitempty"`
}

// Carrier adapts one accepted media stream socket to relay.Carrier.
type Carrier struct {
	conn   *conn.Conn
	events chan relay.CarrierEvent
	logger *slog.Logger
}

// NewCarrier takes ownership of sock and starts decoding its messages.
func NewCarrier(sock conn.Socket, logger *slog.Logger) *Carrier {
	logger = logging.NewComponentLogger(logger, "twilio_media")
	c := &Carrier{
		conn:   conn.Attach("twilio_media", sock, logger),
		events: make(chan relay.CarrierEvent, 256),
		logger: logger,
	}
	go c.readLoop()
	return c
}

func (c *Carrier) readLoop() {
	defer close(c.events)
	msgs := c.conn.Messages()
	for {
		select {
		case msg := <-msgs:
			c.handle(msg)
		case <-c.conn.Done():
			// Twilio closes right after "stop"; deliver what was already read.
			for {
				select {
				case msg := <-msgs:
					c.handle(msg)
				default:
					return
				}
			}
		}
	}
}

func (c *Carrier) handle(msg []byte) {
	var evt TwilioEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		c.logger.Warn("twilio_media_message_invalid", errorsx.LogAttrs(err, errorsx.ReasonTransportProtocol)...)
		return
	}
	switch evt.Event {
	case "start":
		if evt.Start == nil {
			c.logger.Warn("twilio_media_start_without_payload", "reason_code", string(errorsx.ReasonTransportProtocol))
			return
		}
		streamSID := evt.Start.StreamSID
		if streamSID == "" {
			streamSID = evt.StreamSID
		}
		from := evt.Start.From
		if from == "" {
			from = evt.Start.CustomParameters["from"]
		}
		c.emit(relay.CarrierEvent{Kind: relay.CarrierStart, StreamSID: streamSID, CallSID: evt.Start.CallSID, From: from})
	case "media":
		if evt.Media == nil || evt.Media.Payload == "" {
			return
		}
		c.emit(relay.CarrierEvent{Kind: relay.CarrierMedia, StreamSID: evt.StreamSID, Payload: evt.Media.Payload})
	case "stop":
		reason := ""
		if evt.Stop != nil {
			reason = evt.Stop.Reason
		}
		c.logger.Info("twilio_media_stop", "stream_sid", evt.StreamSID, "reason", normalizeCallEndReason(reason))
		c.emit(relay.CarrierEvent{Kind: relay.CarrierStop, StreamSID: evt.StreamSID})
	case "connected", "mark", "dtmf":
	default:
		c.logger.Debug("twilio_media_event_ignored", "event", evt.Event)
	}
}

func (c *Carrier) emit(ev relay.CarrierEvent) {
	select {
	case c.events <- ev:
	case <-c.conn.Done():
		select {
		case c.events <- ev:
		default:
			c.logger.Debug("twilio_media_event_dropped", "kind", int(ev.Kind))
		}
	}
}

func (c *Carrier) Events() <-chan relay.CarrierEvent { return c.events }

// SendMedia plays one base64 mu-law payload on the call.
func (c *Carrier) SendMedia(streamSID, payload string) error {
	return c.conn.Send(TwilioEvent{Event: "media", StreamSID: streamSID, Media: &TwilioMedia{Payload: payload}})
}

// Clear flushes audio Twilio has buffered for playback.
func (c *Carrier) Clear(streamSID string) error {
	return c.conn.Send(TwilioEvent{Event: "clear", StreamSID: streamSID})
}

func (c *Carrier) Done() <-chan struct{} { return c.conn.Done() }

// Err reports a socket failure; nil after a normal hangup.
func (c *Carrier) Err() error { return c.conn.Err() }

func (c *Carrier) Close() error { return c.conn.Close() }

var _ relay.Carrier = (*Carrier)(nil)
