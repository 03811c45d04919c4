package protocol

// ErrorCode is the fixed set of codes carried by error frames. Internal
// error details are never forwarded to clients; everything maps to one of
// these.
type ErrorCode string

const (
	CodeInvalidConfig      ErrorCode = "invalid_config"
	CodeSequenceError      ErrorCode = "sequence_error"
	CodeSequenceGap        ErrorCode = "sequence_gap"
	CodePayloadTooLarge    ErrorCode = "payload_too_large"
	CodePipelineTimeout    ErrorCode = "pipeline_timeout"
	CodeMalformedMessage   ErrorCode = "malformed_message"
	CodeIllegalState       ErrorCode = "illegal_state"
	CodeUnauthorized       ErrorCode = "unauthorized"
	CodeServiceUnavailable ErrorCode = "service_unavailable"
	CodeServerShutdown     ErrorCode = "server_shutdown"
	CodeProcessingFailed   ErrorCode = "processing_failed"
)

// Pipeline stage names reported through processing frames.
const (
	StageTranscription = "transcription"
	StageEvaluation    = "evaluation"
	StageSynthesis     = "tts_generation"
)
