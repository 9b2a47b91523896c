package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/models/reports"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"bitbucket.org/mmdatafocus/ledger_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	orchestratorOnce sync.Once
	orchestrator     *workflow.Orchestrator
)

// getOrchestrator builds the engine on first use. The readiness gate
// returns 503 before the DB is connected, so handlers never reach
// this with a nil DB.
func getOrchestrator(logger *logrus.Logger) *workflow.Orchestrator {
	orchestratorOnce.Do(func() {
		orchestrator = workflow.NewOrchestrator(config.GetDB(), logger)
	})
	return orchestrator
}

// errStatus maps engine error kinds onto HTTP statuses. Only
// ErrConcurrentModification is retryable; the response carries a
// retryable flag so callers do not have to parse messages.
func errStatus(err error) int {
	switch {
	case errors.Is(err, utils.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrInvalidTransition),
		errors.Is(err, utils.ErrAlreadyPosted),
		errors.Is(err, utils.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, utils.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, utils.ErrOverAllocation),
		errors.Is(err, utils.ErrTypeMismatch),
		errors.Is(err, utils.ErrIneligibleItem),
		errors.Is(err, utils.ErrInvalidParent):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	c.JSON(errStatus(err), gin.H{
		"error":     err.Error(),
		"retryable": utils.IsRetryable(err),
	})
}

func respondBindError(c *gin.Context, err error) {
	if fields, ok := utils.ProcessValidationErrors(err); ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": fields})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// requireActor rejects unauthenticated requests; the middleware only
// parses the token, presence is enforced here.
func requireActor(c *gin.Context) (models.Actor, bool) {
	actor, ok := models.ActorFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return models.Actor{}, false
	}
	return actor, true
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		info, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func createUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		if !actor.IsAdmin() {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin only"})
			return
		}
		var input models.NewUser
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		user, err := models.CreateUser(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, user)
	}
}

func changePasswordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireActor(c); !ok {
			return
		}
		var req struct {
			OldPassword string `json:"old_password" binding:"required"`
			NewPassword string `json:"new_password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		user, err := models.ChangePassword(c.Request.Context(), req.OldPassword, req.NewPassword)
		if err != nil {
			respondBindError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

func createVoucherHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var input workflow.NewVoucherInput
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		voucher, err := getOrchestrator(logger).CreateVoucher(c.Request.Context(), &input, actor)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, voucher)
	}
}

func getVoucherHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireActor(c); !ok {
			return
		}
		id, ok := pathId(c)
		if !ok {
			return
		}
		voucher, err := models.GetVoucher(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, voucher)
	}
}

func listVouchersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireActor(c); !ok {
			return
		}
		var filter models.VoucherFilter
		if v := c.Query("transaction_type"); v != "" {
			transactionType := models.TransactionType(v)
			if !transactionType.IsValid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown transaction_type"})
				return
			}
			filter.TransactionType = &transactionType
		}
		if v := c.Query("status"); v != "" {
			status := models.VoucherStatus(v)
			filter.Status = &status
		}
		if v := c.Query("statement_reference"); v != "" {
			filter.StatementReference = &v
		}
		if v := c.Query("parent_voucher_id"); v != "" {
			id, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid parent_voucher_id"})
				return
			}
			filter.ParentVoucherId = &id
		}
		if v := c.Query("requestor_id"); v != "" {
			id, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid requestor_id"})
				return
			}
			filter.RequestorId = &id
		}
		if v := c.Query("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			filter.Limit = limit
		}
		if v := c.Query("offset"); v != "" {
			offset, err := strconv.Atoi(v)
			if err != nil || offset < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
				return
			}
			filter.Offset = offset
		}
		vouchers, err := models.GetVouchers(c.Request.Context(), filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, vouchers)
	}
}

type remarksRequest struct {
	Remarks string `json:"remarks"`
}

func transitionHandler(run func(c *gin.Context, id int, actor models.Actor, remarks string) (*models.Voucher, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req remarksRequest
		_ = c.ShouldBindJSON(&req)

		voucher, err := run(c, id, actor, req.Remarks)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, voucher)
	}
}

func autoApproveHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var input workflow.NewVoucherInput
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		voucher, err := getOrchestrator(logger).AutoApprove(c.Request.Context(), &input, actor)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, voucher)
	}
}

type generateStatementRequest struct {
	VoucherIds []int `json:"voucher_ids" binding:"required"`
}

func generateStatementHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var req generateStatementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
		result, err := getOrchestrator(logger).GenerateStatement(c.Request.Context(), req.VoucherIds, actor)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

func allocateCollectionHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireActor(c); !ok {
			return
		}
		id, ok := pathId(c)
		if !ok {
			return
		}
		voucher, err := getOrchestrator(logger).AllocateCollection(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, voucher)
	}
}

const finalizeHandlerName = "finalize-statement"

// finalizeStatementHandler serializes finalization per reference,
// through redis when configured and a MySQL advisory lock otherwise.
// Both locks are best-effort; correctness comes from the statement's
// posted_to_ledger guard inside the transaction. An Idempotency-Key
// header makes retried requests replay safely.
func finalizeStatementHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		reference := c.Param("reference")
		if reference == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reference is required"})
			return
		}

		db := config.GetDB()
		idemKey := c.GetHeader("Idempotency-Key")
		if idemKey != "" {
			skip, err := workflow.BeginIdempotency(db, finalizeHandlerName, idemKey)
			if err == workflow.ErrIdempotencyInProgress {
				c.JSON(http.StatusConflict, gin.H{"error": "finalize already in progress", "retryable": true})
				return
			} else if err != nil {
				respondError(c, err)
				return
			}
			if skip {
				c.JSON(http.StatusOK, gin.H{
					"statement_reference": reference,
					"posted":              true,
					"idempotent_replay":   true,
				})
				return
			}
		}

		run := func() error {
			return getOrchestrator(logger).FinalizeStatement(c.Request.Context(), reference, actor)
		}

		var err error
		if redisLock := config.GetRedisLock(); redisLock != nil {
			var lock *redislock.Lock
			lock, err = redisLock.Obtain(c.Request.Context(), fmt.Sprintf("lock:statement:%s", reference), 30*time.Second, nil)
			if err == redislock.ErrNotObtained {
				c.JSON(http.StatusConflict, gin.H{"error": "statement is being finalized", "retryable": true})
				return
			} else if err != nil {
				logger.WithFields(logrus.Fields{
					"field":     "finalizeStatementHandler",
					"reference": reference,
				}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
			} else {
				defer func() {
					if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
						logger.WithFields(logrus.Fields{
							"field":     "finalizeStatementHandler",
							"reference": reference,
						}).Warn("failed to release redis lock: " + releaseErr.Error())
					}
				}()
			}
			err = run()
		} else {
			// GET_LOCK is connection-scoped; Connection pins one for
			// the acquire/release pair while finalize runs on the pool.
			err = db.Connection(func(conn *gorm.DB) error {
				if lockErr := workflow.AcquireStatementPostingLock(conn, reference); lockErr != nil {
					return lockErr
				}
				defer workflow.ReleaseStatementPostingLock(conn, reference)
				return run()
			})
		}
		if err != nil {
			if idemKey != "" {
				if markErr := workflow.MarkIdempotencyFailed(db, finalizeHandlerName, idemKey, err); markErr != nil {
					config.LogError(logger, "handlers", "finalizeStatementHandler", "mark idempotency failed", idemKey, markErr)
				}
			}
			respondError(c, err)
			return
		}
		if idemKey != "" {
			if markErr := workflow.MarkIdempotencySucceeded(db, finalizeHandlerName, idemKey); markErr != nil {
				config.LogError(logger, "handlers", "finalizeStatementHandler", "mark idempotency succeeded", idemKey, markErr)
			}
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"statement_reference": reference,
			"posted":              true,
			"correlation_id":      cid,
		})
	}
}

func getStatementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireActor(c); !ok {
			return
		}
		reference := c.Param("reference")
		statement, err := models.GetStatementByReference(c.Request.Context(), reference)
		if err != nil {
			respondError(c, err)
			return
		}
		members, err := models.GetStatementMembers(c.Request.Context(), reference)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"statement": statement, "members": members})
	}
}

func exportStatementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireActor(c); !ok {
			return
		}
		reference := c.Param("reference")
		statement, err := models.GetStatementByReference(c.Request.Context(), reference)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := reports.WriteStatementExcel(c.Request.Context(), c.Writer, statement); err != nil {
			respondError(c, err)
			return
		}
	}
}

type liquidateRequest struct {
	Entries []workflow.ExpenseEntry `json:"entries" binding:"required"`
}

func liquidateHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req liquidateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
		children, err := getOrchestrator(logger).Liquidate(c.Request.Context(), id, req.Entries, actor)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, children)
	}
}

func liquidationSummaryHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireActor(c); !ok {
			return
		}
		id, ok := pathId(c)
		if !ok {
			return
		}
		summary, err := getOrchestrator(logger).GetLiquidationSummary(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func registerRoutes(r *gin.Engine, logger *logrus.Logger) {
	r.POST("/login", loginHandler())
	r.POST("/users", createUserHandler())
	r.POST("/change-password", changePasswordHandler())

	r.POST("/vouchers", createVoucherHandler(logger))
	r.GET("/vouchers", listVouchersHandler())
	r.GET("/vouchers/:id", getVoucherHandler())
	r.POST("/vouchers/auto-approve", autoApproveHandler(logger))
	r.POST("/vouchers/:id/submit", transitionHandler(func(c *gin.Context, id int, actor models.Actor, _ string) (*models.Voucher, error) {
		return getOrchestrator(logger).Submit(c.Request.Context(), id, actor)
	}))
	r.POST("/vouchers/:id/approve", transitionHandler(func(c *gin.Context, id int, actor models.Actor, remarks string) (*models.Voucher, error) {
		return getOrchestrator(logger).Approve(c.Request.Context(), id, actor, remarks)
	}))
	r.POST("/vouchers/:id/reject", transitionHandler(func(c *gin.Context, id int, actor models.Actor, remarks string) (*models.Voucher, error) {
		return getOrchestrator(logger).Reject(c.Request.Context(), id, actor, remarks)
	}))
	r.POST("/vouchers/:id/cancel", transitionHandler(func(c *gin.Context, id int, actor models.Actor, _ string) (*models.Voucher, error) {
		return getOrchestrator(logger).Cancel(c.Request.Context(), id, actor)
	}))
	r.POST("/vouchers/:id/allocate", allocateCollectionHandler(logger))
	r.POST("/vouchers/:id/liquidate", liquidateHandler(logger))
	r.GET("/vouchers/:id/liquidation", liquidationSummaryHandler(logger))

	r.POST("/statements", generateStatementHandler(logger))
	r.GET("/statements/:reference", getStatementHandler())
	r.GET("/statements/:reference/export", exportStatementHandler())
	r.POST("/statements/:reference/finalize", finalizeStatementHandler(logger))
}
