// Package protocol implements the two JSON-RPC-ish dialects the proxy
// speaks: the downstream WebSocket dialect used by browser miners and
// the line-delimited dialect used by upstream Stratum-style pools.
package protocol

import "encoding/json"

// Message is the shared envelope for both dialects. The two dialects
// differ only in framing (newline vs one-JSON-per-WS-frame) and in who
// owns the id space, not in shape.
type Message struct {
	ID     *int64      `json:"id,omitempty"`
	Method string      `json:"method,omitempty"`
	Params interface{} `json:"params,omitempty"`
	Result interface{} `json:"result,omitempty"`
	Error  interface{} `json:"error,omitempty"`
}

// Method names recognized on the downstream dialect.
const (
	MethodLogin      = "login"
	MethodSubmit     = "submit"
	MethodKeepalived = "keepalived"
	MethodJob        = "job"
)

// Job is the unit of work a pool pushes to miners, either embedded in
// a login result or delivered as a standalone "job" notification.
type Job struct {
	JobID  string `json:"job_id"`
	Blob   string `json:"blob"`
	Target string `json:"target"`
}

// LoginParams is the downstream login request body.
type LoginParams struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
	Agent string `json:"agent"`
}

// LoginResult is both the downstream login response body and the
// upstream pool's login response body: {id: workerID, job}.
type LoginResult struct {
	ID  string `json:"id"`
	Job *Job   `json:"job,omitempty"`
}

// SubmitParams is the downstream/upstream submit request body.
type SubmitParams struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Nonce  string `json:"nonce"`
	Result string `json:"result"`
}

// SubmitResult is the submit response body.
type SubmitResult struct {
	Status string `json:"status"`
}

// KeepalivedParams is the downstream keepalive request body.
type KeepalivedParams struct {
	ID string `json:"id"`
}

// KeepalivedResult is the downstream keepalive response body.
type KeepalivedResult struct {
	Status string `json:"status"`
}

// StatusKeepalived is the fixed status string a keepalive ack carries.
const StatusKeepalived = "KEEPALIVED"

// JobNotification is the server push carrying a new job.
type JobNotification struct {
	Method string `json:"method"`
	Params *Job   `json:"params"`
}

// CopyID returns a deep copy of an int64 id pointer, so the copy can
// outlive mutation of the original (e.g. after the id is rewritten for
// forwarding upstream).
func CopyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	dup := *id
	return &dup
}

// IsNotification reports whether m carries no id, i.e. it is a
// server push rather than a request or a response.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsResponse reports whether m carries an id and a result or error,
// i.e. it answers a previously sent request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && (m.Result != nil || m.Error != nil)
}

// NewRequest builds a request message with the given method and params.
func NewRequest(id *int64, method string, params interface{}) Message {
	return Message{ID: id, Method: method, Params: params}
}

// NewResult builds a success response.
func NewResult(id *int64, result interface{}) Message {
	return Message{ID: id, Result: result}
}

// NewError builds an error response, mirroring the upstream error
// field verbatim when relaying (§7: "Upstream errors ... are relayed
// verbatim downstream").
func NewError(id *int64, err interface{}) Message {
	return Message{ID: id, Error: err}
}

// DecodeParams unmarshals m.Params into dst, re-marshaling through
// json.RawMessage since Params arrives as interface{} after the outer
// Unmarshal.
func DecodeParams(params interface{}, dst interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// DecodeResult unmarshals m.Result into dst the same way as DecodeParams.
func DecodeResult(result interface{}, dst interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
