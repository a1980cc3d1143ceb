package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/school-billing/middleware"
	"github.com/yourusername/school-billing/models"
	"github.com/yourusername/school-billing/services"
)

type FiscalDocumentHandler struct {
	fiscal *services.FiscalService
}

func NewFiscalDocumentHandler(fiscal *services.FiscalService) *FiscalDocumentHandler {
	return &FiscalDocumentHandler{fiscal: fiscal}
}

type CreateFiscalDocumentRequest struct {
	ChargeID       uint   `json:"chargeId"`
	RecipientTaxID string `json:"recipientTaxId"`
	RecipientName  string `json:"recipientName"`
}

type StampRequest struct {
	Force bool `json:"force"`
}

type CancelDocumentRequest struct {
	Reason string `json:"reason"`
}

// CreateDocument handles POST /fiscal-documents.
func (h *FiscalDocumentHandler) CreateDocument(c *gin.Context) {
	var req CreateFiscalDocumentRequest
	if !bindJSON(c, &req, false) {
		return
	}

	doc, err := h.fiscal.Create(c.Request.Context(), middleware.ActorFromContext(c), services.NewDocument{
		ChargeID:       req.ChargeID,
		RecipientTaxID: req.RecipientTaxID,
		RecipientName:  req.RecipientName,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (h *FiscalDocumentHandler) GetDocument(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	doc, err := h.fiscal.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// ListDocuments handles GET /fiscal-documents with an optional status filter.
func (h *FiscalDocumentHandler) ListDocuments(c *gin.Context) {
	docs, err := h.fiscal.ListByStatus(c.Request.Context(), models.DocumentStatus(c.Query("status")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs, "count": len(docs)})
}

func (h *FiscalDocumentHandler) GetChargeDocument(c *gin.Context) {
	chargeID, ok := idParam(c, "id")
	if !ok {
		return
	}
	doc, err := h.fiscal.GetByCharge(c.Request.Context(), chargeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// StampDocument handles POST /fiscal-documents/:id/stamp. The body is optional.
func (h *FiscalDocumentHandler) StampDocument(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req StampRequest
	if !bindJSON(c, &req, true) {
		return
	}

	doc, err := h.fiscal.Stamp(c.Request.Context(), middleware.ActorFromContext(c), id, req.Force)
	if err != nil {
		respondDocumentError(c, doc, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *FiscalDocumentHandler) CancelDocument(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req CancelDocumentRequest
	if !bindJSON(c, &req, true) {
		return
	}

	doc, err := h.fiscal.Cancel(c.Request.Context(), middleware.ActorFromContext(c), id, req.Reason)
	if err != nil {
		respondDocumentError(c, doc, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}
