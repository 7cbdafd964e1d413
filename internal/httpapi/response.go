package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sudooom.im.chat/internal/apperr"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    apperr.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error 从 AppError 生成错误响应，非 AppError 按服务器错误处理
func Error(c *gin.Context, err error) {
	c.JSON(httpStatus(apperr.GetCode(err)), Response{
		Code:    apperr.GetCode(err),
		Message: apperr.GetMessage(err),
		Data:    nil,
	})
}

// ErrorWithMsg 自定义错误消息
func ErrorWithMsg(c *gin.Context, appErr *apperr.AppError, message string) {
	c.JSON(httpStatus(appErr.Code), Response{
		Code:    appErr.Code,
		Message: message,
		Data:    nil,
	})
}

func httpStatus(code int) int {
	switch code {
	case apperr.CodeInvalidParams:
		return http.StatusBadRequest
	case apperr.CodeTokenInvalid, apperr.CodeTokenExpired:
		return http.StatusUnauthorized
	case apperr.CodeMessageNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
