package verify

// Status values used on the wire.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request is the body sent to the verification endpoint.
type Request struct {
	Token string `json:"token"`
}

// Response is the verification contract shared by the remote validator, the
// exposed /auth/verify-token endpoint and the client refresh call.
type Response struct {
	Status   string        `json:"status"`
	Message  string        `json:"message,omitempty"`
	NewToken string        `json:"new_token,omitempty"`
	Data     *ResponseData `json:"data,omitempty"`
}

// ResponseData carries the optional user payload.
type ResponseData struct {
	User map[string]any `json:"user,omitempty"`
}

// UserPayload returns data.user, or nil.
func (r Response) UserPayload() map[string]any {
	if r.Data == nil {
		return nil
	}
	return r.Data.User
}
