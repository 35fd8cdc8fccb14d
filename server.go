package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/outbound_backend/config"
	"bitbucket.org/mmdatafocus/outbound_backend/middlewares"
	"bitbucket.org/mmdatafocus/outbound_backend/models"
	"bitbucket.org/mmdatafocus/outbound_backend/models/reports"
	"bitbucket.org/mmdatafocus/outbound_backend/utils"
	"bitbucket.org/mmdatafocus/outbound_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the platform considers the revision
	// healthy. Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	registerRoutes(r)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running it as a
	// separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Background workers: outbox dispatcher (publishes AFTER commit), the
	// expiry sweeper, and the back-order watcher.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go workflow.NewOutboxDispatcher(db, logger).Run(workerCtx)
	go workflow.NewReallocationSweeper(logger).Run(workerCtx)
	go workflow.NewBackorderWatcher(logger).Run(workerCtx)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on port ", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func registerRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", middlewares.RequireAuth())

	api.POST("/products", func(c *gin.Context) {
		var input models.NewProduct
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusCreated)(models.CreateProduct(c.Request.Context(), &input))
	})
	api.GET("/products", func(c *gin.Context) {
		var name *string
		if v := c.Query("name"); v != "" {
			name = &v
		}
		respond(c, http.StatusOK)(models.GetProductAll(c.Request.Context(), name))
	})
	api.GET("/products/:id", func(c *gin.Context) {
		respond(c, http.StatusOK)(models.GetProduct(c.Request.Context(), paramInt(c, "id")))
	})

	api.POST("/warehouses", func(c *gin.Context) {
		var input models.NewWarehouse
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusCreated)(models.CreateWarehouse(c.Request.Context(), &input))
	})
	api.GET("/warehouses", func(c *gin.Context) {
		respond(c, http.StatusOK)(models.GetWarehouseAll(c.Request.Context()))
	})
	api.GET("/warehouses/:id/locations", func(c *gin.Context) {
		respond(c, http.StatusOK)(models.GetLocationAll(c.Request.Context(), paramInt(c, "id")))
	})
	api.POST("/locations", func(c *gin.Context) {
		var input models.NewLocation
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusCreated)(models.CreateLocation(c.Request.Context(), &input))
	})

	api.POST("/inventory/receipts", func(c *gin.Context) {
		var input models.NewInventoryReceipt
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusCreated)(models.ReceiveInventory(c.Request.Context(), &input))
	})
	api.GET("/inventory/availability", func(c *gin.Context) {
		productId, _ := strconv.Atoi(c.Query("product_id"))
		warehouseId, _ := strconv.Atoi(c.Query("warehouse_id"))
		respond(c, http.StatusOK)(models.GetProductAvailability(c.Request.Context(), productId, warehouseId))
	})

	api.POST("/sales-orders", func(c *gin.Context) {
		var input models.NewSalesOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusCreated)(models.CreateSalesOrder(c.Request.Context(), &input))
	})
	api.GET("/sales-orders/:id", func(c *gin.Context) {
		respond(c, http.StatusOK)(models.GetSalesOrder(c.Request.Context(), paramInt(c, "id")))
	})

	api.POST("/allocations/select", func(c *gin.Context) {
		var input struct {
			ProductId   int                          `json:"product_id" binding:"required"`
			WarehouseId int                          `json:"warehouse_id" binding:"required"`
			Qty         decimal.Decimal              `json:"qty" binding:"required"`
			Strategy    string                       `json:"strategy" binding:"required"`
			Constraints *models.SelectionConstraints `json:"constraints"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		strategy, err := models.ParseAllocationStrategy(input.Strategy)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusOK)(models.SelectInventory(c.Request.Context(), input.ProductId, input.WarehouseId, input.Qty, strategy, input.Constraints))
	})
	api.POST("/allocations/commit", func(c *gin.Context) {
		var plan models.AllocationPlan
		if err := c.ShouldBindJSON(&plan); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusCreated)(models.CommitAllocation(c.Request.Context(), &plan))
	})
	api.POST("/sales-order-details/:id/allocate", func(c *gin.Context) {
		var input struct {
			ExpiresAt *time.Time `json:"expires_at"`
		}
		// Body is optional here.
		_ = c.ShouldBindJSON(&input)
		allocations, backOrder, err := models.AllocateSalesOrderDetail(c.Request.Context(), paramInt(c, "id"), input.ExpiresAt)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"allocations": allocations, "back_order": backOrder})
	})
	api.GET("/allocations/:id", func(c *gin.Context) {
		respond(c, http.StatusOK)(models.GetAllocation(c.Request.Context(), paramInt(c, "id")))
	})
	api.POST("/allocations/:id/pick", func(c *gin.Context) {
		var input struct {
			Qty decimal.Decimal `json:"qty" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusOK)(models.PickAllocation(c.Request.Context(), paramInt(c, "id"), input.Qty))
	})
	api.POST("/allocations/:id/cancel", func(c *gin.Context) {
		if err := models.CancelAllocation(c.Request.Context(), paramInt(c, "id")); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})
	api.PUT("/allocations/:id", func(c *gin.Context) {
		var input models.UpdateAllocationInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusOK)(models.UpdateAllocation(c.Request.Context(), paramInt(c, "id"), &input))
	})

	api.POST("/back-orders", func(c *gin.Context) {
		var input models.NewBackOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusCreated)(models.CreateBackOrder(c.Request.Context(), &input))
	})
	api.GET("/back-orders", func(c *gin.Context) {
		respond(c, http.StatusOK)(models.GetBackOrderAll(c.Request.Context()))
	})
	api.GET("/back-orders/:id", func(c *gin.Context) {
		respond(c, http.StatusOK)(models.GetBackOrder(c.Request.Context(), paramInt(c, "id")))
	})
	api.POST("/back-orders/:id/fulfill", func(c *gin.Context) {
		var input struct {
			Qty        decimal.Decimal `json:"qty" binding:"required"`
			LocationId int             `json:"location_id"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusOK)(models.FulfillBackOrder(c.Request.Context(), paramInt(c, "id"), input.Qty, input.LocationId))
	})
	api.POST("/back-orders/:id/cancel", func(c *gin.Context) {
		var input struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&input)
		respond(c, http.StatusOK)(models.CancelBackOrder(c.Request.Context(), paramInt(c, "id"), input.Reason))
	})

	api.POST("/pick-lists", func(c *gin.Context) {
		var input models.NewPickList
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusCreated)(models.CreatePickList(c.Request.Context(), &input))
	})
	api.GET("/pick-lists", func(c *gin.Context) {
		respond(c, http.StatusOK)(models.GetPickListAll(c.Request.Context()))
	})
	api.GET("/pick-lists/:id", func(c *gin.Context) {
		respond(c, http.StatusOK)(models.GetPickList(c.Request.Context(), paramInt(c, "id")))
	})
	api.POST("/pick-lists/:id/items/:itemId/confirm", func(c *gin.Context) {
		var input struct {
			Qty decimal.Decimal `json:"qty" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusOK)(models.ConfirmPick(c.Request.Context(), paramInt(c, "id"), paramInt(c, "itemId"), input.Qty))
	})
	api.POST("/pick-lists/:id/cancel", func(c *gin.Context) {
		respond(c, http.StatusOK)(models.CancelPickList(c.Request.Context(), paramInt(c, "id")))
	})

	api.POST("/shipments", func(c *gin.Context) {
		var input models.NewShipment
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusCreated)(models.CreateShipment(c.Request.Context(), &input))
	})
	api.GET("/shipments", func(c *gin.Context) {
		respond(c, http.StatusOK)(models.GetShipmentAll(c.Request.Context()))
	})
	api.GET("/shipments/:id", func(c *gin.Context) {
		respond(c, http.StatusOK)(models.GetShipment(c.Request.Context(), paramInt(c, "id")))
	})
	api.POST("/shipments/:id/cartons", func(c *gin.Context) {
		var input models.NewCarton
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusOK)(models.PackCarton(c.Request.Context(), paramInt(c, "id"), &input))
	})
	api.POST("/shipments/:id/ship", func(c *gin.Context) {
		respond(c, http.StatusOK)(models.ShipShipment(c.Request.Context(), paramInt(c, "id")))
	})

	api.POST("/quality-checks", func(c *gin.Context) {
		var input models.NewQualityCheck
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, http.StatusCreated)(models.RecordQualityCheck(c.Request.Context(), &input))
	})
	api.GET("/quality-checks/:id", func(c *gin.Context) {
		respond(c, http.StatusOK)(models.GetQualityCheck(c.Request.Context(), paramInt(c, "id")))
	})

	api.GET("/reports/warehouse-inventory/:warehouseId", func(c *gin.Context) {
		warehouseId := paramInt(c, "warehouseId")
		if c.Query("format") == "xlsx" {
			c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
			c.Header("Content-Disposition", "attachment; filename=warehouse_inventory.xlsx")
			if err := reports.ExportWarehouseInventoryXlsx(c.Request.Context(), warehouseId, c.Writer); err != nil {
				c.JSON(statusFor(err), gin.H{"error": err.Error()})
			}
			return
		}
		respond(c, http.StatusOK)(reports.GetWarehouseInventoryReport(c.Request.Context(), warehouseId))
	})
	api.GET("/reports/backorder-aging", func(c *gin.Context) {
		respond(c, http.StatusOK)(reports.GetBackOrderAgingReport(c.Request.Context()))
	})
}

// respond collapses the bind -> call -> JSON pattern the handlers share.
func respond(c *gin.Context, status int) func(any, error) {
	return func(result any, err error) {
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(status, result)
	}
}

func paramInt(c *gin.Context, name string) int {
	n, _ := strconv.Atoi(c.Param(name))
	return n
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrReservationConflict),
		errors.Is(err, models.ErrDuplicateSequence):
		return http.StatusConflict
	case errors.Is(err, models.ErrNoInventoryAvailable),
		errors.Is(err, models.ErrInsufficientInventory),
		errors.Is(err, models.ErrInvalidPickQuantity),
		errors.Is(err, models.ErrInvalidFulfillQuantity),
		errors.Is(err, models.ErrAllocationNotPickable),
		errors.Is(err, models.ErrAllocationHasPickedQty),
		errors.Is(err, models.ErrAllocationAlreadyPicked),
		errors.Is(err, models.ErrBackOrderAlreadyCancelled),
		errors.Is(err, models.ErrQualityCheckRequired):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// customErrorLogger logs only requests that produced errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
