package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonNotConfigured ReasonCode = "not_configured"

	ReasonSTTRequest   ReasonCode = "stt_request"
	ReasonSTTRateLimit ReasonCode = "stt_rate_limit"
	ReasonSTTTooLarge  ReasonCode = "stt_audio_too_large"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"

	ReasonTTSRequest   ReasonCode = "tts_request"
	ReasonTTSConnect   ReasonCode = "tts_connect"
	ReasonTTSRateLimit ReasonCode = "tts_rate_limit"

	ReasonMalformedResponse ReasonCode = "malformed_response"

	ReasonCaptureStream ReasonCode = "capture_stream"
	ReasonPlayback      ReasonCode = "playback"

	ReasonTransportSend ReasonCode = "transport_send"
	ReasonTokenMint     ReasonCode = "token_mint"
)
