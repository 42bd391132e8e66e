// Defines the numeric status codes the server may return to a client and
// their canonical status phrases.

package protocol

// Status codes for server responses. The taxonomy matters for lockout
// accounting: only AuthFailure responses count toward a source's failure
// record; protocol, authorization, and resource errors never do.
const (
	Continue           = 100
	Pending            = 101
	Transfer           = 104
	OK                 = 200
	Registered         = 201
	Unregistered       = 202
	InternalError      = 300
	UnsupportedEncType = 309
	BadRequest         = 400
	Unauthorized       = 401
	AuthFailure        = 402
	Forbidden          = 403
	NotFound           = 404
	Terminated         = 405
	Unavailable        = 407
	ResourceExists     = 408
	Conflict           = 409
	RequestTooLarge    = 414
)

var statusPhrases = map[int]string{
	Continue:           "CONTINUE",
	Pending:            "PENDING",
	Transfer:           "TRANSFER",
	OK:                 "OK",
	Registered:         "REGISTERED",
	Unregistered:       "UNREGISTERED",
	InternalError:      "INTERNAL SERVER ERROR",
	UnsupportedEncType: "ENCRYPTION TYPE NOT SUPPORTED",
	BadRequest:         "BAD REQUEST",
	Unauthorized:       "UNAUTHORIZED",
	AuthFailure:        "AUTHENTICATION FAILURE",
	Forbidden:          "FORBIDDEN",
	NotFound:           "NOT FOUND",
	Terminated:         "TERMINATED",
	Unavailable:        "UNAVAILABLE",
	ResourceExists:     "RESOURCE EXISTS",
	Conflict:           "CONFLICT",
	RequestTooLarge:    "REQUEST TOO LARGE",
}

// StatusPhrase returns the canonical phrase for a status code, or the
// internal-error phrase for codes this package does not know.
func StatusPhrase(code int) string {
	phrase, ok := statusPhrases[code]
	if !ok {
		return statusPhrases[InternalError]
	}
	return phrase
}
