package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yourusername/school-billing/config"
	"github.com/yourusername/school-billing/middleware"
	"github.com/yourusername/school-billing/services"
)

// Services groups what the HTTP layer calls into.
type Services struct {
	Ledger     *services.ChargeLedger
	Fiscal     *services.FiscalService
	Reconciler *services.Reconciler
}

// SetupRouter builds the API. auth guards /api/v1; production passes
// middleware.JwtAuthMiddleware(cfg).
func SetupRouter(cfg *config.Config, svc Services, auth gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())
	router.Use(cors.New(corsConfig(cfg.CORSOrigin)))
	router.MaxMultipartMemory = maxStatementSize

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "school-billing-api",
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	charges := NewChargeHandler(svc.Ledger)
	documents := NewFiscalDocumentHandler(svc.Fiscal)
	reconciliation := NewReconciliationHandler(svc.Reconciler)
	writers := middleware.RequireRole(middleware.RoleAdmin, middleware.RoleFinance)

	api := router.Group("/api/v1", auth)
	{
		api.GET("/charges/:id", charges.GetCharge)
		api.GET("/charges/:id/payments", charges.ListPayments)
		api.GET("/charges/:id/fiscal-document", documents.GetChargeDocument)
		api.GET("/students/:alumnoId/outstanding", charges.GetOutstanding)
		api.POST("/charges", writers, charges.CreateCharge)
		api.POST("/charges/:id/payments", writers, charges.RecordPayment)
		api.POST("/charges/:id/deactivate", writers, charges.DeactivateCharge)
		api.POST("/charges/:id/cancel", writers, charges.CancelCharge)
		api.POST("/payments/:id/verify", writers, charges.VerifyPayment)
		api.POST("/payments/:id/reject", writers, charges.RejectPayment)

		api.GET("/fiscal-documents", documents.ListDocuments)
		api.GET("/fiscal-documents/:id", documents.GetDocument)
		api.POST("/fiscal-documents", writers, documents.CreateDocument)
		api.POST("/fiscal-documents/:id/stamp", writers, documents.StampDocument)
		api.POST("/fiscal-documents/:id/cancel", writers, documents.CancelDocument)

		api.POST("/reconciliation/batches", writers, reconciliation.UploadStatement)
		api.GET("/reconciliation/batches/:id", reconciliation.GetBatch)
	}

	return router
}

func corsConfig(origin string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if origin == "" || origin == "*" {
		cfg.AllowAllOrigins = true
		return cfg
	}
	for _, o := range strings.Split(origin, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowOrigins = append(cfg.AllowOrigins, o)
		}
	}
	cfg.AllowCredentials = true
	return cfg
}
