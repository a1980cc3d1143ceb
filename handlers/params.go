package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// idParam reads a positive numeric path parameter, answering 400 otherwise.
func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "invalid " + name,
			"errors":  map[string][]string{name: {"must be a positive integer"}},
		})
		return 0, false
	}
	return uint(id), true
}
