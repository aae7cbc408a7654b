// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"bytes"
	"crimewatch-go/pkg/log"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// maxLoggedBody 是请求/响应体被原样记录的最大长度，录像分片远大于此值。
const maxLoggedBody = 2 << 10

// bodyLogWriter 用于捕获响应体的前 maxLoggedBody 字节
type bodyLogWriter struct {
	gin.ResponseWriter
	body    *bytes.Buffer
	written int
}

// Write 实现了 io.Writer 接口，将响应写入 gin.ResponseWriter，并在内部 buffer 中保留开头部分
func (w *bodyLogWriter) Write(b []byte) (int, error) {
	w.written += len(b)
	if room := maxLoggedBody - w.body.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		w.body.Write(b[:room])
	}
	return w.ResponseWriter.Write(b)
}

func (w *bodyLogWriter) summary() string {
	if w.written > maxLoggedBody {
		return fmt.Sprintf("<%d bytes omitted>", w.written)
	}
	return w.body.String()
}

// scrubPath 去掉路径与查询参数中的 token。
func scrubPath(c *gin.Context) string {
	path := c.Request.URL.Path
	if full := c.FullPath(); strings.Contains(full, ":token") {
		path = full
	}
	if c.Request.URL.RawQuery == "" {
		return path
	}
	q := c.Request.URL.Query()
	if q.Has("token") {
		q.Set("token", "***")
	}
	decoded, err := url.QueryUnescape(q.Encode())
	if err != nil {
		decoded = q.Encode()
	}
	return path + "?" + decoded
}

// RequestLogger 是一个 Gin 中间件，用于记录请求和响应日志。
// 超过 maxLoggedBody 的请求体和响应体只记录长度。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		requestBody := "<empty>"
		if c.Request.Body != nil {
			if c.Request.ContentLength >= 0 && c.Request.ContentLength <= maxLoggedBody {
				raw, _ := io.ReadAll(c.Request.Body)
				// 将读取的请求体重新设置回 c.Request.Body，以便后续处理函数可以正常读取
				c.Request.Body = io.NopCloser(bytes.NewReader(raw))
				requestBody = string(raw)
			} else {
				requestBody = fmt.Sprintf("<%d bytes omitted>", c.Request.ContentLength)
			}
		}

		blw := &bodyLogWriter{body: &bytes.Buffer{}, ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", scrubPath(c),
			"requestBody", requestBody,
			"responseBody", blw.summary(),
		)
	}
}
