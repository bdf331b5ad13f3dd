// Package protocol implements the caller-facing payment header: a single
// semicolon-delimited key=value line conveying payment evidence on a metered
// request, plus the payment-required response body and the verification of
// standalone on-chain payment proofs.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/paymesh/x402pay/types"
)

// HeaderName is the HTTP header the payment line travels in.
const HeaderName = "X-Payment"

var validate = validator.New()

// PaymentHeader is the parsed payment evidence of one metered request.
// A request carries either a session token or a standalone proof signature.
type PaymentHeader struct {
	Session     string          `json:"session,omitempty"`
	Wallet      string          `json:"wallet" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" validate:"required"`
	TimestampMs int64           `json:"timestamp" validate:"gt=0"`
	Proof       string          `json:"proof,omitempty"`
	Signature   string          `json:"signature,omitempty"`
}

// ParseHeader parses the semicolon-delimited key=value payment line.
// Unknown keys are ignored for forward compatibility.
func ParseHeader(raw string) (*PaymentHeader, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, types.NewPaymentError(types.ErrCodeInvalidHeader, "empty payment header")
	}

	header := &PaymentHeader{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, types.NewPaymentError(types.ErrCodeInvalidHeader,
				"malformed segment %q", part)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "session":
			header.Session = value
		case "wallet":
			header.Wallet = value
		case "amount":
			amount, err := decimal.NewFromString(value)
			if err != nil {
				return nil, types.NewPaymentError(types.ErrCodeInvalidHeader,
					"invalid amount %q", value)
			}
			header.Amount = amount
		case "currency":
			header.Currency = value
		case "timestamp":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, types.NewPaymentError(types.ErrCodeInvalidHeader,
					"invalid timestamp %q", value)
			}
			header.TimestampMs = ts
		case "proof":
			header.Proof = value
		case "signature":
			header.Signature = value
		}
	}

	if err := validate.Struct(header); err != nil {
		return nil, types.NewPaymentError(types.ErrCodeInvalidHeader,
			"validation failed: %v", err)
	}
	return header, nil
}

// Encode renders the header back into its wire form.
func (h *PaymentHeader) Encode() string {
	parts := make([]string, 0, 7)
	if h.Session != "" {
		parts = append(parts, "session="+h.Session)
	}
	parts = append(parts,
		"wallet="+h.Wallet,
		"amount="+h.Amount.String(),
		"currency="+h.Currency,
		"timestamp="+strconv.FormatInt(h.TimestampMs, 10),
	)
	if h.Proof != "" {
		parts = append(parts, "proof="+h.Proof)
	}
	if h.Signature != "" {
		parts = append(parts, "signature="+h.Signature)
	}
	return strings.Join(parts, "; ")
}

// Requirement names one way a resource server accepts payment.
type Requirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
}

// PaymentRequiredResponse is the body of a 402 response, naming the required
// reference amount and where to send it.
type PaymentRequiredResponse struct {
	X402Version int           `json:"x402Version"`
	Accepts     []Requirement `json:"accepts"`
	Error       string        `json:"error"`
}

// PaymentRequired builds the 402 body for a resource priced in reference units.
func PaymentRequired(resource, description string, amount decimal.Decimal, currency, payTo string, network types.Network) *PaymentRequiredResponse {
	return &PaymentRequiredResponse{
		X402Version: 1,
		Accepts: []Requirement{{
			Scheme:            "exact",
			Network:           network.String(),
			Amount:            amount.String(),
			Currency:          currency,
			PayTo:             payTo,
			Resource:          resource,
			Description:       description,
			MaxTimeoutSeconds: 60,
		}},
		Error: fmt.Sprintf("payment of %s %s required", amount, currency),
	}
}
