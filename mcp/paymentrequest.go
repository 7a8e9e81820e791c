package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	atxp "github.com/atxp-dev/atxp-go"
)

// paymentRequestSchema validates the payment-request document served at
// paymentRequestUrl before any funds move.
const paymentRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["paymentRequestId", "accepts"],
  "properties": {
    "paymentRequestId": {"type": "string", "minLength": 1},
    "paymentRequestUrl": {"type": "string"},
    "resource": {"type": "string"},
    "accepts": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["network", "currency", "amount"],
        "properties": {
          "network": {"type": "string", "minLength": 1},
          "currency": {"type": "string", "minLength": 1},
          "address": {"type": "string"},
          "amount": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"}
        }
      }
    }
  }
}`

func compilePaymentRequestSchema() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(paymentRequestSchema))
	if err != nil {
		panic(fmt.Sprintf("mcp: invalid payment request schema: %v", err))
	}
	return schema
}

// fetchPaymentRequest retrieves and validates the authoritative
// payment-request document. The embedded signal names the amounts, but the
// document at paymentRequestUrl is what the client trusts.
func fetchPaymentRequest(ctx context.Context, client *http.Client, schema *gojsonschema.Schema, url string) (*atxp.PaymentRequest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building payment request fetch: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching payment request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading payment request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payment request fetch returned %d", resp.StatusCode)
	}

	validation, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, &atxp.ValidationError{Field: "paymentRequest", Message: err.Error()}
	}
	if !validation.Valid() {
		reasons := make([]string, 0, len(validation.Errors()))
		for _, desc := range validation.Errors() {
			reasons = append(reasons, desc.String())
		}
		return nil, &atxp.ValidationError{
			Field:   "paymentRequest",
			Message: strings.Join(reasons, "; "),
		}
	}

	var doc atxp.PaymentRequest
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding payment request: %w", err)
	}
	if doc.URL == "" {
		doc.URL = url
	}
	return &doc, nil
}

// submitProof delivers the signed payment proof to the payment request
// endpoint. The server marks the request paid before the tool call is
// retried.
func submitProof(ctx context.Context, client *http.Client, paymentRequestID, url, proof string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader("{}"))
	if err != nil {
		return &atxp.ProofSubmissionError{PaymentRequestID: paymentRequestID, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+proof)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &atxp.ProofSubmissionError{PaymentRequestID: paymentRequestID, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &atxp.ProofSubmissionError{
			PaymentRequestID: paymentRequestID,
			StatusCode:       resp.StatusCode,
			Body:             strings.TrimSpace(string(body)),
		}
	}
	return nil
}
