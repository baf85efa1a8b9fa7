package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/resume_pipeline/config"
)

// 上传句柄要求浏览器直接 PUT 并携带 Content-Type，这两项始终放行
var (
	uploadMethods = []string{http.MethodPut}
	uploadHeaders = []string{"Content-Type"}
)

const defaultCORSMaxAge = 12 * time.Hour

// CORS 跨域中间件。只有预检请求（OPTIONS + Access-Control-Request-Method）被直接应答。
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	anyOrigin := false
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			anyOrigin = true
		}
		origins[o] = struct{}{}
	}

	methods := strings.Join(mergeUnique(cfg.AllowedMethods, uploadMethods), ", ")
	headers := strings.Join(mergeUnique(cfg.AllowedHeaders, uploadHeaders), ", ")
	exposed := strings.Join(mergeUnique(cfg.ExposedHeaders, []string{RequestIDHeader}), ", ")

	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultCORSMaxAge
	}
	maxAgeSec := strconv.Itoa(int(maxAge / time.Second))

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		c.Writer.Header().Add("Vary", "Origin")

		_, listed := origins[origin]
		allowed := origin != "" && (listed || anyOrigin)
		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Expose-Headers", exposed)
		}

		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""
		if !preflight {
			c.Next()
			return
		}

		if !allowed {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", headers)
		c.Header("Access-Control-Max-Age", maxAgeSec)
		c.AbortWithStatus(http.StatusNoContent)
	}
}

// mergeUnique 合并列表，按大小写不敏感去重，保持原顺序
func mergeUnique(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			key := strings.ToLower(s)
			if _, ok := seen[key]; ok || s == "" {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
