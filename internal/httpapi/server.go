// Package httpapi exposes the booking service over JSON/HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/timebank/internal/auth"
	"github.com/MarkoPoloResearchLab/timebank/internal/observability"
	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidPayload = "invalid_payload"
	errorCodeForbidden      = "forbidden"
	errorCodeInternal       = "internal"
	internalErrorMessage    = "internal error"
)

// Dependencies wires the router to the domain service and its ambient stack.
type Dependencies struct {
	Service        *timebank.Service
	Authenticator  *auth.Authenticator
	Metrics        *observability.Metrics
	Logger         *zap.Logger
	AllowedOrigins []string
}

// NewRouter builds the gin engine serving /healthz, /metrics and /api.
func NewRouter(deps Dependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}
	if len(deps.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     deps.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ginContext *gin.Context) {
		ginContext.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", deps.Metrics.Handler())
	}

	handler := &httpHandler{service: deps.Service, logger: logger}
	api := router.Group("/api")
	api.Use(deps.Authenticator.GinMiddleware())

	api.POST("/wallet/register", handler.handleRegisterWallet)
	api.GET("/wallet", handler.handleWallet)
	api.GET("/wallet/balance", handler.handleBalance)
	api.GET("/wallet/transactions", handler.handleTransactions)

	api.POST("/admin/credits", handler.handleAdjustCredits)

	api.POST("/bookings", handler.handleCreateBooking)
	api.GET("/bookings/my", handler.handleMyBookings)
	api.GET("/bookings/:id", handler.handleGetBooking)
	api.POST("/bookings/:id/accept", handler.handleAcceptBooking)
	api.POST("/bookings/:id/complete", handler.handleCompleteBooking)
	api.POST("/bookings/:id/reject", handler.handleRejectBooking)

	return router
}

// Run serves handler on addr until ctx is cancelled.
func Run(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("http shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		started := time.Now()
		ginContext.Next()
		logger.Info("http request",
			zap.String("method", ginContext.Request.Method),
			zap.String("route", ginContext.FullPath()),
			zap.Int("status", ginContext.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
		)
	}
}

type httpHandler struct {
	service *timebank.Service
	logger  *zap.Logger
}

func (handler *httpHandler) handleRegisterWallet(ginContext *gin.Context) {
	principal, _ := auth.PrincipalFromGin(ginContext)
	wallet, err := handler.service.RegisterWallet(ginContext.Request.Context(), principal.UserID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(wallet)})
}

func (handler *httpHandler) handleWallet(ginContext *gin.Context) {
	principal, _ := auth.PrincipalFromGin(ginContext)
	wallet, err := handler.service.GetWallet(ginContext.Request.Context(), principal.UserID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(wallet)})
}

func (handler *httpHandler) handleBalance(ginContext *gin.Context) {
	principal, _ := auth.PrincipalFromGin(ginContext)
	balance, err := handler.service.GetAvailableBalance(ginContext.Request.Context(), principal.UserID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"user_id": principal.UserID.String(), "available": balance.String()})
}

func (handler *httpHandler) handleTransactions(ginContext *gin.Context) {
	principal, _ := auth.PrincipalFromGin(ginContext)
	page := queryInt(ginContext, "page")
	pageSize := queryInt(ginContext, "pageSize")
	history, err := handler.service.GetTransactionHistory(ginContext.Request.Context(), principal.UserID, page, pageSize)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, newHistoryPayload(history))
}

func (handler *httpHandler) handleAdjustCredits(ginContext *gin.Context) {
	principal, _ := auth.PrincipalFromGin(ginContext)
	if !principal.HasRole(auth.RoleAdmin) {
		ginContext.JSON(http.StatusForbidden, errorResponse(errorCodeForbidden, "admin role required"))
		return
	}
	var request adjustCreditsRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		ginContext.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	userID, err := timebank.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	amount, err := timebank.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	wallet, err := handler.service.AdjustCredits(ginContext.Request.Context(), principal.UserID, userID, amount, request.Notes)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(wallet)})
}

func (handler *httpHandler) handleCreateBooking(ginContext *gin.Context) {
	principal, _ := auth.PrincipalFromGin(ginContext)
	var payload createBookingRequest
	if err := ginContext.ShouldBindJSON(&payload); err != nil {
		ginContext.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	request, err := payload.toBookingRequest(principal.UserID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	booking, err := handler.service.CreateBooking(ginContext.Request.Context(), principal.UserID, request)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusCreated, gin.H{"booking": newBookingPayload(booking)})
}

func (handler *httpHandler) handleMyBookings(ginContext *gin.Context) {
	principal, _ := auth.PrincipalFromGin(ginContext)
	bookings, err := handler.service.ListBookingsForUser(ginContext.Request.Context(), principal.UserID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	payloads := make([]bookingPayload, 0, len(bookings))
	for _, booking := range bookings {
		payloads = append(payloads, newBookingPayload(booking))
	}
	ginContext.JSON(http.StatusOK, gin.H{"bookings": payloads})
}

func (handler *httpHandler) handleGetBooking(ginContext *gin.Context) {
	principal, _ := auth.PrincipalFromGin(ginContext)
	bookingID, err := timebank.NewBookingID(ginContext.Param("id"))
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	booking, err := handler.service.GetBooking(ginContext.Request.Context(), principal.UserID, bookingID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"booking": newBookingPayload(booking)})
}

func (handler *httpHandler) handleAcceptBooking(ginContext *gin.Context) {
	handler.transitionBooking(ginContext, handler.service.AcceptBooking)
}

func (handler *httpHandler) handleCompleteBooking(ginContext *gin.Context) {
	handler.transitionBooking(ginContext, handler.service.CompleteBooking)
}

func (handler *httpHandler) handleRejectBooking(ginContext *gin.Context) {
	handler.transitionBooking(ginContext, handler.service.RejectBooking)
}

type bookingCommand func(ctx context.Context, actor timebank.UserID, bookingID timebank.BookingID) (timebank.Booking, error)

func (handler *httpHandler) transitionBooking(ginContext *gin.Context, command bookingCommand) {
	principal, _ := auth.PrincipalFromGin(ginContext)
	bookingID, err := timebank.NewBookingID(ginContext.Param("id"))
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	booking, err := command(ginContext.Request.Context(), principal.UserID, bookingID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"booking": newBookingPayload(booking)})
}

func (handler *httpHandler) respondError(ginContext *gin.Context, err error) {
	kind := timebank.KindOf(err)
	statusCode := statusForKind(kind)
	if statusCode == http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("route", ginContext.FullPath()), zap.Error(err))
		ginContext.JSON(statusCode, errorResponse(errorCodeInternal, internalErrorMessage))
		return
	}
	ginContext.JSON(statusCode, errorResponse(kind.String(), err.Error()))
}

func statusForKind(kind timebank.ErrorKind) int {
	switch kind {
	case timebank.KindNotFound:
		return http.StatusNotFound
	case timebank.KindInvalidState, timebank.KindConflict:
		return http.StatusConflict
	case timebank.KindInsufficientFunds, timebank.KindInvalidInput:
		return http.StatusBadRequest
	case timebank.KindUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(ginContext *gin.Context, name string) int {
	value, err := strconv.Atoi(ginContext.Query(name))
	if err != nil {
		return 0
	}
	return value
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
