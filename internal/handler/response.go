package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// envelope is the JSON shape every endpoint responds with. Code is 0 on
// success and echoes the HTTP status on errors, so clients can branch on
// the body alone. Meta carries endpoint-specific extras such as paging
// counters or countdown deadlines.
type envelope struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Ok writes a 200 envelope around data.
func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, envelope{Message: "ok", Data: data, Meta: meta})
}

// Error writes an error envelope with the given HTTP status.
func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, envelope{Code: status, Message: message, Meta: meta})
}
