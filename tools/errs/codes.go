package errs

// Error codes of the realtime core. 14xx are connection/auth stage, 15xx
// room membership, 16xx delivery. Codes are part of the wire contract
// (error frames carry them), renumbering is a breaking change.
const (
	CodeAuthFailed       = 1401 // bad or expired token, do not retry with the same token
	CodeAuthTimeout      = 1402 // handshake not completed in time, retryable
	CodeTransportDropped = 1403 // transport closed unexpectedly, reconnection policy applies
	CodeNotAuthorized    = 1501 // flag compatibility rule rejected the join
	CodeSubjectClosed    = 1502 // subject has been closed by its creator
	CodeNotMember        = 1601 // sender holds no membership for the subject
	CodeSequenceConflict = 1602 // per-room ordering invariant violated, fatal bug
)

var (
	ErrAuthFailed       = NewCodeError(CodeAuthFailed, "authentication failed")
	ErrAuthTimeout      = NewCodeError(CodeAuthTimeout, "authentication timed out")
	ErrTransportDropped = NewCodeError(CodeTransportDropped, "transport dropped")
	ErrNotAuthorized    = NewCodeError(CodeNotAuthorized, "join not authorized")
	ErrSubjectClosed    = NewCodeError(CodeSubjectClosed, "subject closed")
	ErrNotMember        = NewCodeError(CodeNotMember, "not a member of subject")
	ErrSequenceConflict = NewCodeError(CodeSequenceConflict, "message sequence conflict")
)
