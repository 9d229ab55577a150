package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/domain-engine/internal/domain"
	"github.com/kursadbilgin/domain-engine/internal/observability"
	"github.com/kursadbilgin/domain-engine/internal/service"
)

type DomainService interface {
	AddDomain(ctx context.Context, name, targetID string) (*service.OperationResult, error)
	ListDomains(ctx context.Context) ([]domain.DomainRecord, error)
	GetDomain(ctx context.Context, name string) (*service.OperationResult, error)
	VerifyDomain(ctx context.Context, name string) (*service.OperationResult, error)
	RemoveDomain(ctx context.Context, name string) (*service.OperationResult, error)
	RenewCertificate(ctx context.Context, name string) (*service.OperationResult, error)
	StatusSummary(ctx context.Context) (*service.Summary, error)
}

// TaskRunner triggers a named reconciliation task, refusing to overlap a run
// that is already in progress.
type TaskRunner interface {
	RunNow(ctx context.Context, name string) error
}

type DomainHandler struct {
	service DomainService
	tasks   TaskRunner
}

func NewDomainHandler(service DomainService, tasks TaskRunner) (*DomainHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("domain service is required")
	}
	if tasks == nil {
		return nil, fmt.Errorf("task runner is required")
	}
	return &DomainHandler{service: service, tasks: tasks}, nil
}

func RegisterDomainRoutes(router fiber.Router, service DomainService, tasks TaskRunner) error {
	h, err := NewDomainHandler(service, tasks)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	// Static segments first so they are not captured by :domain.
	v1.Get("/domains/summary", h.Summary)
	v1.Post("/domains/check-pending", h.CheckPending)

	v1.Post("/domains", h.AddDomain)
	v1.Get("/domains", h.ListDomains)
	v1.Get("/domains/:domain", h.GetDomain)
	v1.Post("/domains/:domain/verify", h.VerifyDomain)
	v1.Post("/domains/:domain/renew", h.RenewCertificate)
	v1.Delete("/domains/:domain", h.RemoveDomain)

	return nil
}

type addDomainRequest struct {
	Domain   string `json:"domain"`
	TargetID string `json:"targetId"`
}

type domainResponse struct {
	ID                string     `json:"id"`
	Domain            string     `json:"domain"`
	TargetID          string     `json:"targetId"`
	Status            string     `json:"status"`
	DNSVerified       bool       `json:"dnsVerified"`
	ProxyConfigured   bool       `json:"proxyConfigured"`
	CertificateIssued bool       `json:"certificateIssued"`
	CertificateExpiry *time.Time `json:"certificateExpiry,omitempty"`
	RetryCount        int        `json:"retryCount"`
	LastError         *string    `json:"lastError,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	LastCheckedAt     *time.Time `json:"lastCheckedAt,omitempty"`
}

type operationResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Domain  *domainResponse `json:"domain,omitempty"`
}

type listDomainsResponse struct {
	Data  []domainResponse `json:"data"`
	Total int              `json:"total"`
}

type summaryResponse struct {
	Total           int64 `json:"total"`
	Connected       int64 `json:"connected"`
	Pending         int64 `json:"pending"`
	Failed          int64 `json:"failed"`
	WithCertificate int64 `json:"withCertificate"`
	ExpiringSoon    int64 `json:"expiringSoon"`
}

type checkPendingResponse struct {
	Task    string          `json:"task"`
	Status  string          `json:"status"`
	Summary summaryResponse `json:"summary"`
}

func (h *DomainHandler) AddDomain(c *fiber.Ctx) error {
	var req addDomainRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.service.AddDomain(requestContext(c), req.Domain, req.TargetID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(toOperationResponse(result))
}

func (h *DomainHandler) ListDomains(c *fiber.Ctx) error {
	var filter domain.Status
	if raw := c.Query("status"); raw != "" {
		status, err := domain.ParseStatusFromString(raw)
		if err != nil {
			return toHTTPError(err)
		}
		filter = status
	}

	records, err := h.service.ListDomains(requestContext(c))
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]domainResponse, 0, len(records))
	for i := range records {
		if filter != "" && records[i].Status() != filter {
			continue
		}
		data = append(data, toDomainResponse(&records[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listDomainsResponse{
		Data:  data,
		Total: len(data),
	})
}

func (h *DomainHandler) GetDomain(c *fiber.Ctx) error {
	result, err := h.service.GetDomain(requestContext(c), domainParam(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toOperationResponse(result))
}

func (h *DomainHandler) VerifyDomain(c *fiber.Ctx) error {
	result, err := h.service.VerifyDomain(requestContext(c), domainParam(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toOperationResponse(result))
}

func (h *DomainHandler) RenewCertificate(c *fiber.Ctx) error {
	result, err := h.service.RenewCertificate(requestContext(c), domainParam(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toOperationResponse(result))
}

func (h *DomainHandler) RemoveDomain(c *fiber.Ctx) error {
	result, err := h.service.RemoveDomain(requestContext(c), domainParam(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toOperationResponse(result))
}

func (h *DomainHandler) Summary(c *fiber.Ctx) error {
	summary, err := h.service.StatusSummary(requestContext(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toSummaryResponse(summary))
}

// CheckPending runs the pending-reconciliation task through the scheduler so a
// manual trigger never overlaps a scheduled pass.
func (h *DomainHandler) CheckPending(c *fiber.Ctx) error {
	ctx := requestContext(c)

	if err := h.tasks.RunNow(ctx, service.TaskCheckPending); err != nil {
		return toHTTPError(err)
	}

	summary, err := h.service.StatusSummary(ctx)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(checkPendingResponse{
		Task:    service.TaskCheckPending,
		Status:  "completed",
		Summary: toSummaryResponse(summary),
	})
}

func domainParam(c *fiber.Ctx) string {
	return strings.TrimSpace(c.Params("domain"))
}

func requestContext(c *fiber.Ctx) context.Context {
	return observability.WithCorrelationID(c.Context(), requestCorrelationID(c))
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toOperationResponse(result *service.OperationResult) operationResponse {
	if result == nil {
		return operationResponse{}
	}

	resp := operationResponse{
		Success: result.Success,
		Message: result.Message,
		Error:   result.Error,
	}
	if result.Record != nil {
		record := toDomainResponse(result.Record)
		resp.Domain = &record
	}
	return resp
}

func toSummaryResponse(summary *service.Summary) summaryResponse {
	if summary == nil {
		return summaryResponse{}
	}
	return summaryResponse{
		Total:           summary.Total,
		Connected:       summary.Connected,
		Pending:         summary.Pending,
		Failed:          summary.Failed,
		WithCertificate: summary.WithCertificate,
		ExpiringSoon:    summary.ExpiringSoon,
	}
}

func toDomainResponse(r *domain.DomainRecord) domainResponse {
	return domainResponse{
		ID:                r.ID,
		Domain:            r.Domain,
		TargetID:          r.TargetID,
		Status:            r.Status().String(),
		DNSVerified:       r.DNSVerified,
		ProxyConfigured:   r.ProxyConfigured,
		CertificateIssued: r.CertificateIssued,
		CertificateExpiry: r.CertificateExpiry,
		RetryCount:        r.RetryCount,
		LastError:         r.LastError,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		LastCheckedAt:     r.LastCheckedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict), errors.Is(err, service.ErrTaskRunning):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrTaskNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	default:
		return err
	}
}
