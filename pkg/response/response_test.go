package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type deniedError struct{ reason string }

func (e *deniedError) Error() string { return e.reason }

func (e *deniedError) ResponseCode() (int, string) {
	return http.StatusForbidden, ErrCodeAdmissionDenied
}

func testContext(t *testing.T, method string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(method, "/", nil)
	return c, recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder) Response {
	t.Helper()
	var body Response
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func TestHandleSuccessUsesCreatedOnPost(t *testing.T) {
	c, recorder := testContext(t, http.MethodPost)

	Handle(c, gin.H{"trade_id": "TRD_1"}, nil)

	assert.Equal(t, http.StatusCreated, recorder.Code)
	body := decode(t, recorder)
	assert.True(t, body.Success)
	assert.Nil(t, body.Error)
}

func TestHandleSuccessUsesOKOnGet(t *testing.T) {
	c, recorder := testContext(t, http.MethodGet)

	Handle(c, gin.H{}, nil)

	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestHandleCodedError(t *testing.T) {
	c, recorder := testContext(t, http.MethodPost)

	Handle(c, nil, &deniedError{reason: "strategy at capacity"})

	assert.Equal(t, http.StatusForbidden, recorder.Code)
	body := decode(t, recorder)
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrCodeAdmissionDenied, body.Error.Code)
	assert.Equal(t, "strategy at capacity", body.Error.Message)
}

func TestHandleWrappedCodedError(t *testing.T) {
	c, recorder := testContext(t, http.MethodPost)

	wrapped := errors.New("open failed")
	Handle(c, nil, errors.Join(wrapped, &deniedError{reason: "strategy at capacity"}))

	assert.Equal(t, http.StatusForbidden, recorder.Code)
	body := decode(t, recorder)
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrCodeAdmissionDenied, body.Error.Code)
}

func TestHandleRecordNotFound(t *testing.T) {
	c, recorder := testContext(t, http.MethodGet)

	Handle(c, nil, gorm.ErrRecordNotFound)

	assert.Equal(t, http.StatusNotFound, recorder.Code)
	body := decode(t, recorder)
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrCodeNotFound, body.Error.Code)
}

func TestHandleUnknownError(t *testing.T) {
	c, recorder := testContext(t, http.MethodGet)

	Handle(c, nil, errors.New("disk on fire"))

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
	body := decode(t, recorder)
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrCodeInternalError, body.Error.Code)
	assert.NotContains(t, body.Error.Message, "disk", "internal detail must not leak")
}
