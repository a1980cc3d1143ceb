package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/school-billing/middleware"
	"github.com/yourusername/school-billing/services"
)

// maxStatementSize caps each uploaded statement.
const maxStatementSize = 10 << 20

type ReconciliationHandler struct {
	reconciler *services.Reconciler
}

func NewReconciliationHandler(reconciler *services.Reconciler) *ReconciliationHandler {
	return &ReconciliationHandler{reconciler: reconciler}
}

// UploadStatement handles POST /reconciliation/batches. The form carries
// alumnoId and one or more "file" parts; several files are imported
// concurrently and answered as a list.
func (h *ReconciliationHandler) UploadStatement(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "invalid statement upload",
			"errors":  map[string][]string{"file": {"multipart form with a file is required"}},
		})
		return
	}

	headers := form.File["file"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "invalid statement upload",
			"errors":  map[string][]string{"file": {"is required"}},
		})
		return
	}

	studentID := c.PostForm("alumnoId")
	uploads := make([]services.Upload, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > maxStatementSize {
			c.JSON(http.StatusBadRequest, gin.H{
				"message": "invalid statement upload",
				"errors":  map[string][]string{"file": {fh.Filename + " exceeds 10 MiB"}},
			})
			return
		}
		f, err := fh.Open()
		if err != nil {
			respondError(c, err)
			return
		}
		defer f.Close()
		uploads = append(uploads, services.Upload{StudentID: studentID, FileName: fh.Filename, Content: f})
	}

	actor := middleware.ActorFromContext(c)
	if len(uploads) == 1 {
		summary, err := h.reconciler.Reconcile(c.Request.Context(), actor, studentID, uploads[0].FileName, uploads[0].Content)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
		return
	}

	summaries, err := h.reconciler.ReconcileMany(c.Request.Context(), actor, uploads)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lotes": summaries})
}

func (h *ReconciliationHandler) GetBatch(c *gin.Context) {
	summary, err := h.reconciler.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
