package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRPCError_BlockRangeTooLarge(t *testing.T) {
	err := errors.New("block range is too large, max is 10000 blocks")
	classified := ClassifyRPCError(err)

	var brtl *BlockRangeTooLarge
	require.True(t, errors.As(classified, &brtl))
}

func TestClassifyRPCError_ResponseTooLarge(t *testing.T) {
	err := errors.New("query returned too many results")
	classified := ClassifyRPCError(err)

	var rtl *ResponseTooLarge
	require.True(t, errors.As(classified, &rtl))
}

func TestClassifyRPCError_RateLimited(t *testing.T) {
	err := errors.New("429 Too Many Requests")
	classified := ClassifyRPCError(err)
	assert.True(t, errors.Is(classified, ErrRateLimited))
}

func TestClassifyRPCError_Timeout(t *testing.T) {
	err := errors.New("context deadline exceeded")
	classified := ClassifyRPCError(err)
	assert.True(t, errors.Is(classified, ErrTimeout))
}

func TestClassifyRPCError_Unclassified(t *testing.T) {
	err := errors.New("connection refused")
	classified := ClassifyRPCError(err)
	assert.Equal(t, err, classified)
}

func TestClassifyRPCError_Nil(t *testing.T) {
	assert.Nil(t, ClassifyRPCError(nil))
}

func TestRedact_Bearer(t *testing.T) {
	out := Redact("request failed: Authorization: bearer sk-12345 rejected")
	assert.NotContains(t, out, "sk-12345")
	assert.Contains(t, out, "***REDACTED***")
}

func TestRedact_QueryString(t *testing.T) {
	out := Redact("GET https://rpc.example.com/v2?apikey=secret failed")
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, "https://rpc.example.com/v2?***REDACTED***")
}
