package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/BetaMac/alma/internal/pkg/errcode"
	appErr "github.com/BetaMac/alma/internal/pkg/errors"
	"github.com/BetaMac/alma/internal/pkg/response"
)

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	logutil.GetLogger(c.Request.Context()).Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	switch {
	case appErr.IsValidation(err):
		response.ErrorStatus(c, http.StatusBadRequest, errcode.ErrInvalid, err.Error())
	case appErr.IsNotFound(err):
		response.ErrorStatus(c, http.StatusNotFound, errcode.ErrNotFound, err.Error())
	case appErr.IsModelInit(err):
		response.ErrorStatus(c, http.StatusServiceUnavailable, errcode.ErrModelUnavailable, "model unavailable")
	case appErr.IsResourceExhausted(err):
		response.ErrorStatus(c, http.StatusServiceUnavailable, errcode.ErrResourceExhausted, err.Error())
	case appErr.IsTimeout(err):
		response.ErrorStatus(c, http.StatusGatewayTimeout, errcode.ErrTimeout, err.Error())
	case appErr.IsNotImplemented(err):
		response.ErrorStatus(c, http.StatusNotImplemented, errcode.ErrNotImplemented, err.Error())
	default:
		response.ErrorStatus(c, http.StatusInternalServerError, errcode.ErrInternal, "internal error")
	}
}

func invalidRequest(c *gin.Context) {
	response.ErrorStatus(c, http.StatusBadRequest, errcode.ErrInvalid, "invalid request")
}
