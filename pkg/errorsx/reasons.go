package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConfigInvalid ReasonCode = "config_invalid"
	ReasonConfigMissing ReasonCode = "config_missing_credential"

	ReasonRecognizerConnect  ReasonCode = "recognizer_connect"
	ReasonRecognizerSend     ReasonCode = "recognizer_send"
	ReasonRecognizerProtocol ReasonCode = "recognizer_protocol"

	ReasonSynthConnect   ReasonCode = "synth_connect"
	ReasonSynthSend      ReasonCode = "synth_send"
	ReasonSynthProtocol  ReasonCode = "synth_protocol"
	ReasonSynthRateLimit ReasonCode = "synth_rate_limit"

	ReasonModelConnect   ReasonCode = "model_connect"
	ReasonModelSend      ReasonCode = "model_send"
	ReasonModelProtocol  ReasonCode = "model_protocol"
	ReasonModelGenerate  ReasonCode = "model_generate"
	ReasonModelRateLimit ReasonCode = "model_rate_limit"
	ReasonModelCircuit   ReasonCode = "model_circuit_open"

	ReasonToolUnknown   ReasonCode = "tool_unknown"
	ReasonToolArguments ReasonCode = "tool_bad_arguments"
	ReasonToolDuplicate ReasonCode = "tool_duplicate"
	ReasonToolTimeout   ReasonCode = "tool_timeout"
	ReasonToolFailed    ReasonCode = "tool_failed"
	ReasonToolRejected  ReasonCode = "tool_rejected"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportProtocol         ReasonCode = "transport_protocol"
	ReasonTransportRecording        ReasonCode = "transport_recording"
	ReasonTransportDial             ReasonCode = "transport_dial"
)
