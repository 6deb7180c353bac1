package pipeline

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/stellarlinkco/prospector/internal/account"
	"github.com/stellarlinkco/prospector/internal/llm"
)

var errEmptyEmail = errors.New("answer has neither subject nor body")

func decodeEmail(raw json.RawMessage, email *account.OutboundEmail) error {
	if err := json.Unmarshal(raw, email); err != nil {
		return &llm.ParseError{Text: string(raw), Err: err}
	}
	if strings.TrimSpace(email.Subject) == "" && strings.TrimSpace(email.Body) == "" {
		return &llm.ParseError{Text: string(raw), Err: errEmptyEmail}
	}
	return nil
}
