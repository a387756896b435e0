package http

import (
	"github.com/gin-gonic/gin"

	"github.com/weisyn/syncnet/internal/api/http/middleware"
)

// ProblemDetails 错误响应（RFC 7807）
type ProblemDetails struct {
	Type     string `json:"type,omitempty"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"traceId"`
}

// writeProblem 写入错误响应并中止后续处理
func writeProblem(c *gin.Context, status int, title string, err error) {
	p := ProblemDetails{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Instance: c.Request.URL.Path,
		TraceID:  middleware.GetRequestID(c),
	}
	if err != nil {
		p.Detail = err.Error()
		_ = c.Error(err)
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(status, p)
}
