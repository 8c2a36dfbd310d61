package portal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// noToken is the sentinel the portal uses for "no ticket".
const noToken = "-1"

// envelope is the inquiry response body.
type envelope struct {
	Records  flexInt         `json:"records"`
	Total    flexInt         `json:"total"`
	Page     flexInt         `json:"page"`
	Rows     []Record        `json:"rows"`
	ErrorMsg json.RawMessage `json:"errorMsg"`
	Token    flexString      `json:"token"`
	Tkt      flexString      `json:"tkt"`
	Captcha  flexString      `json:"captcha"`
}

// control is the object that errorMsg may encode as a JSON string.
type control struct {
	Msg     string     `json:"msg"`
	Error   flexBool   `json:"error"`
	Token   flexString `json:"token"`
	Captcha flexString `json:"captcha"`
}

// decoded is an envelope reduced to what the protocol acts on.
type decoded struct {
	Outcome      Outcome
	Rows         []Record
	RecordCount  int
	TotalPages   int
	Page         int
	Continuation string
	ChallengeKey string
	Message      string
}

// decodeEnvelope parses a response body and classifies it.
// Precedence for the continuation value: nested token, top-level token, then tkt unless it is "-1".
func decodeEnvelope(body []byte) (decoded, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return decoded{}, fmt.Errorf("decode inquiry response: %w", err)
	}
	d := decoded{
		Rows:         env.Rows,
		RecordCount:  int(env.Records),
		TotalPages:   int(env.Total),
		Page:         int(env.Page),
		ChallengeKey: string(env.Captcha),
		Outcome:      OutcomeSucceeded,
	}
	if d.Rows == nil {
		d.Rows = []Record{}
	}

	nested, text, ok := parseControl(env.ErrorMsg)
	if ok {
		d.Message = nested.Msg
		if nested.Captcha != "" {
			d.ChallengeKey = string(nested.Captcha)
		}
		switch {
		case nested.Token != "":
			d.Outcome = OutcomeAccepted
			d.Continuation = string(nested.Token)
		case bool(nested.Error):
			d.Outcome = OutcomeRejected
			return d, nil
		}
	} else {
		d.Message = text
	}

	if d.Continuation == "" {
		switch {
		case env.Token != "" && env.Token != noToken:
			d.Continuation = string(env.Token)
		case env.Tkt != "" && env.Tkt != noToken:
			d.Continuation = string(env.Tkt)
		}
	}
	return d, nil
}

// parseControl decodes errorMsg. It returns the nested object when one is present,
// otherwise the plain diagnostic text.
func parseControl(raw json.RawMessage) (control, string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return control{}, "", false
	}
	inner := raw
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return control{}, string(raw), false
		}
		inner = []byte(strings.TrimSpace(s))
		if len(inner) == 0 {
			return control{}, "", false
		}
	}
	if inner[0] != '{' {
		return control{}, string(inner), false
	}
	var c control
	if err := json.Unmarshal(inner, &c); err != nil {
		return control{}, string(inner), false
	}
	return c, "", true
}

// flexInt accepts numbers, numeric strings and null.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("decode integer %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

// flexString accepts strings, numbers and null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode string: %w", err)
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

// flexBool accepts booleans and their string forms. Any other non-empty value reads as true.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	switch strings.ToLower(s) {
	case "", "null", "false", "0", "n":
		*f = false
	default:
		*f = true
	}
	return nil
}
