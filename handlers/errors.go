package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/yourusername/school-billing/models"
	"github.com/yourusername/school-billing/services"
)

// respondError maps a service error onto the HTTP response.
func respondError(c *gin.Context, err error) {
	var svcErr *services.Error
	if !errors.As(err, &svcErr) {
		svcErr = services.Internal(err)
	}

	switch svcErr.Kind {
	case services.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"message": svcErr.Message})
	case services.KindValidation, services.KindBusinessRule:
		body := gin.H{"message": svcErr.Message}
		if len(svcErr.Fields) > 0 {
			body["errors"] = svcErr.Fields
		}
		c.JSON(http.StatusBadRequest, body)
	case services.KindGateway:
		status := http.StatusBadRequest
		if svcErr.Temporary {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"message": svcErr.Message})
	default:
		logrus.WithFields(logrus.Fields{
			"path":       c.FullPath(),
			"request_id": c.GetString("requestID"),
		}).WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
	}
}

// respondDocumentError answers a stamp or cancel failure. Gateway failures
// carry the document so callers can see its error state.
func respondDocumentError(c *gin.Context, doc *models.FiscalDocument, err error) {
	var svcErr *services.Error
	if doc == nil || !errors.As(err, &svcErr) || svcErr.Kind != services.KindGateway {
		respondError(c, err)
		return
	}

	status := http.StatusBadRequest
	if svcErr.Temporary {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"message": svcErr.Message, "document": doc})
}

// bindJSON decodes the request body. With optional set, an empty body is
// accepted and leaves req untouched.
func bindJSON(c *gin.Context, req interface{}, optional bool) bool {
	err := c.ShouldBindJSON(req)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"message": "invalid request body",
		"errors":  map[string][]string{"body": {err.Error()}},
	})
	return false
}
