package mcp

import (
	"encoding/json"
	"errors"
	"strings"

	atxp "github.com/atxp-dev/atxp-go"
)

// ExtractPaymentRequired extracts a payment request from a tool result.
// Servers embed it either in structuredContent or as JSON in the first
// text content item; structuredContent wins when both are present.
// Returns (nil, nil) when the result carries no payment-required signal.
func ExtractPaymentRequired(result Result) (*atxp.PaymentRequest, error) {
	if !result.IsError {
		return nil, nil
	}

	if result.StructuredContent != nil {
		if req := paymentRequestFromObject(result.StructuredContent); req != nil {
			return req, nil
		}
	}

	if len(result.Content) > 0 {
		first := result.Content[0]
		if first.Type == "text" && first.Text != "" {
			var parsed map[string]interface{}
			if err := json.Unmarshal([]byte(first.Text), &parsed); err == nil {
				if req := paymentRequestFromObject(parsed); req != nil {
					return req, nil
				}
			}
		}
	}

	return nil, nil
}

// paymentRequestFromObject decodes a payment request from a generic
// object. Anything without the identifying fields is not a signal.
func paymentRequestFromObject(obj map[string]interface{}) *atxp.PaymentRequest {
	if _, ok := obj["paymentRequestId"]; !ok {
		return nil
	}

	accepts, ok := obj["accepts"].([]interface{})
	if !ok || len(accepts) == 0 {
		return nil
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil
	}

	var req atxp.PaymentRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil
	}
	if req.ID == "" || len(req.Accepts) == 0 {
		return nil
	}

	return &req
}

// AttachProofToMeta returns a copy of params with the payment proof set
// in _meta. The input map is not modified.
func AttachProofToMeta(params map[string]interface{}, proof string) map[string]interface{} {
	result := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		result[k] = v
	}

	meta := make(map[string]interface{})
	if existing, ok := result["_meta"].(map[string]interface{}); ok {
		for k, v := range existing {
			meta[k] = v
		}
	}

	meta[ProofMetaKey] = proof
	result["_meta"] = meta

	return result
}

// ExtractProofFromMeta pulls the payment proof out of request params.
// Returns "" when none is attached.
func ExtractProofFromMeta(params map[string]interface{}) string {
	meta, ok := params["_meta"].(map[string]interface{})
	if !ok {
		return ""
	}
	proof, _ := meta[ProofMetaKey].(string)
	return proof
}

// IsUnauthorized reports whether err is (or wraps) an *UnauthorizedError.
func IsUnauthorized(err error) bool {
	var target *UnauthorizedError
	return errors.As(err, &target)
}

// looksUnauthorized matches transport errors that carry an HTTP 401
// without a typed error. The official SDK folds the status line into the
// error string.
func looksUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized")
}
