package tracing

// Span attribute keys.
const (
	AttrHost      = "gerrit.host"
	AttrUsername  = "gerrit.username"
	AttrTransport = "gerrit.transport"

	AttrSessionID = "stream.session_id"
	AttrAttempt   = "stream.attempt"
	AttrEvents    = "stream.events"
	AttrReason    = "stream.reason"

	AttrCommand    = "command.text"
	AttrChange     = "gerrit.change"
	AttrProject    = "gerrit.project"
	AttrExitStatus = "command.exit_status"
	AttrFound      = "query.found"
	AttrCached     = "query.cached"

	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span names.
const (
	SpanStreamSession = "stream.session"
	SpanStreamConnect = "stream.connect"
	SpanQuery         = "command.query"
	SpanReview        = "command.review"
)

// Span event names.
const (
	EventStreamHangup  = "stream.hangup"
	EventDecodeFailed  = "stream.decode_failed"
	EventIdleTimeout   = "stream.idle_timeout"
	EventRecycled      = "stream.recycled"
	EventStreamStopped = "stream.stopped"
)
