package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidArgument: http.StatusBadRequest,
		CodeUnauthorized:    http.StatusUnauthorized,
		CodeNotFound:        http.StatusNotFound,
		CodeUnavailable:     http.StatusServiceUnavailable,
		CodeTimeout:         http.StatusGatewayTimeout,
		CodeInternal:        http.StatusInternalServerError,
	}
	for code, status := range cases {
		assert.Equal(t, status, HTTPStatus(E(code, "op", "msg", nil)), string(code))
	}

	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestIsCode_ThroughWrapping(t *testing.T) {
	inner := E(CodeNotFound, "Store.Get", "conversation not found", nil)
	wrapped := fmt.Errorf("loading: %w", inner)

	assert.True(t, IsCode(wrapped, CodeNotFound))
	assert.False(t, IsCode(wrapped, CodeInternal))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(wrapped))
}

func TestAppError_Message(t *testing.T) {
	cause := errors.New("connection refused")
	err := E(CodeUnavailable, "Orchestrator.Reply", "state store unavailable", cause)

	assert.Equal(t, "Orchestrator.Reply: state store unavailable: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}
