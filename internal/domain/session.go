package domain

// PlaySession is the server-side record of an issued play session. Timestamps
// are Unix milliseconds.
type PlaySession struct {
	SessionID string `json:"sessionId"`
	Handle    string `json:"handle"`
	Seed      int64  `json:"seed"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
	Nonce     string `json:"nonce"`
}

// SignedSession is the tamper-evident echo handed to the client. It never
// carries the handle; the handle is re-supplied on submit and folded into
// the signature.
type SignedSession struct {
	SessionID string `json:"sessionId"`
	Seed      int64  `json:"seed"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}
