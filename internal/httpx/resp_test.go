package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_certorch/internal/certerr"
)

func serve(t *testing.T, h gin.HandlerFunc) (*httptest.ResponseRecorder, []byte) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/v1/certificates/:id/revoke", h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/certificates/7/revoke", nil)
	r.ServeHTTP(w, req)
	return w, w.Body.Bytes()
}

func TestErrorInvalidStateIsConflict(t *testing.T) {
	w, body := serve(t, func(c *gin.Context) {
		Error(c, &certerr.InvalidStateError{Current: "pending_validation", Operation: "revoke"})
	})

	assert.Equal(t, http.StatusConflict, w.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, CodeStateConflict, resp.Code)
	assert.Contains(t, resp.Message, "pending_validation")
	assert.Nil(t, resp.Data)
}

func TestFailErrLogsCauseWithoutLeakingIt(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	w, body := serve(t, func(c *gin.Context) {
		Error(c, errors.New("dial tcp 10.0.0.5:3306: connection refused"))
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, string(body), "10.0.0.5")
	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, CodeInternalError, resp.Code)
	assert.Equal(t, "internal error", resp.Message)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "httpx", entry.Data["component"])
	assert.Equal(t, "/api/v1/certificates/:id/revoke", entry.Data["path"])
	assert.EqualError(t, entry.Data[logrus.ErrorKey].(error), "dial tcp 10.0.0.5:3306: connection refused")
}

func TestOKItems(t *testing.T) {
	w, body := serve(t, func(c *gin.Context) {
		OKItems(c, []string{"a.example.com", "b.example.com"}, 12, 2, 10)
	})

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Code int `json:"code"`
		Data struct {
			Items    []string `json:"items"`
			Total    int64    `json:"total"`
			Page     int      `json:"page"`
			PageSize int      `json:"pageSize"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, CodeSuccess, resp.Code)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, resp.Data.Items)
	assert.EqualValues(t, 12, resp.Data.Total)
	assert.Equal(t, 2, resp.Data.Page)
	assert.Equal(t, 10, resp.Data.PageSize)
}

func TestErrorLimitExceededCarriesCounts(t *testing.T) {
	w, body := serve(t, func(c *gin.Context) {
		Error(c, &certerr.LimitExceededError{CurrentCount: 5, Limit: 5})
	})

	assert.Equal(t, http.StatusConflict, w.Code)
	var resp struct {
		Code int       `json:"code"`
		Data LimitData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, CodeLimitExceeded, resp.Code)
	assert.Equal(t, LimitData{CurrentCount: 5, Limit: 5}, resp.Data)
}
