package webserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/horizoncircle/circle-recon/src/recon/pipeline"
)

type Admin struct {
	pipe *pipeline.Pipeline
}

func NewAdmin(pipe *pipeline.Pipeline) Admin {
	return Admin{pipe: pipe}
}

// InvalidateCache wipes the whole discovery cache. The escape hatch when
// cached circle sets are suspected wrong.
func (h Admin) InvalidateCache(c *gin.Context) {
	if err := h.pipe.InvalidateCache(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h Admin) CacheStats(c *gin.Context) {
	stats, err := h.pipe.CacheStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
