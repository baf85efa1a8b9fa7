package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/resume_pipeline/internal/pkg/jwt"
	"github.com/qs3c/resume_pipeline/internal/pkg/logger"
	"github.com/qs3c/resume_pipeline/internal/pkg/response"
	"github.com/qs3c/resume_pipeline/internal/pkg/storage"
)

type UploadHandler struct {
	storage *storage.LocalStorage
	maxSize int64
}

func NewUploadHandler(store *storage.LocalStorage, maxSize int64) *UploadHandler {
	return &UploadHandler{
		storage: store,
		maxSize: maxSize,
	}
}

// Put 接收本地存储的直传文件，token 由 PresignUpload 签发
// PUT /api/v1/uploads/*key
func (h *UploadHandler) Put(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	token := c.Query("token")
	if token == "" {
		response.AuthError(c, "缺少上传凭证")
		return
	}

	body := c.Request.Body
	if h.maxSize > 0 {
		body = http.MaxBytesReader(c.Writer, body, h.maxSize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.ParamError(c, "文件过大")
			return
		}
		response.ParamError(c, "读取文件失败")
		return
	}
	if len(data) == 0 {
		response.ParamError(c, "文件为空")
		return
	}

	err = h.storage.AcceptUpload(c.Request.Context(), token, key, data)
	switch {
	case err == nil:
		response.Success(c, gin.H{"key": key, "size": len(data)})
	case errors.Is(err, jwt.ErrExpiredToken), errors.Is(err, jwt.ErrInvalidToken):
		response.AuthError(c, err.Error())
	case errors.Is(err, jwt.ErrKeyMismatch):
		response.PermissionError(c, err.Error())
	case errors.Is(err, storage.ErrInvalidKey):
		response.ParamError(c, err.Error())
	default:
		logger.CtxError(c.Request.Context(), "failed to store upload %s: %v", key, err)
		response.ServerError(c, "")
	}
}
