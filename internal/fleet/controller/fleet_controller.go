// Package controller exposes the fleet over HTTP.
package controller

import (
	"context"

	"egressfleet/internal/fleet/doctor"
	"egressfleet/internal/fleet/model"
	"egressfleet/internal/fleet/proxy"
	"egressfleet/internal/fleet/service"
	appErr "egressfleet/pkg/errors"
	"egressfleet/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const maxBatch = 256

// Fleet is the service surface the controller drives.
type Fleet interface {
	Create(ctx context.Context, req service.CreateRequest) (*model.Instance, error)
	CreateBatch(ctx context.Context, n int, image string) []service.BatchResult
	Stop(ctx context.Context, id string) (*model.Instance, error)
	Start(ctx context.Context, id string) (*model.Instance, error)
	Restart(ctx context.Context, id string) (*model.Instance, error)
	Rotate(ctx context.Context, id string, preferred *model.ProxyEndpoint) (*model.Instance, error)
	Remove(ctx context.Context, id string) error
	RotateAll(ctx context.Context) []service.BatchResult
	StopAll(ctx context.Context) []service.BatchResult
	Cleanup(ctx context.Context) []service.BatchResult
	Get(ctx context.Context, id string) (*service.InstanceDetail, error)
	List() []*model.Instance
	Proxies() []model.ProxyEndpoint
}

// FleetController handles instance and proxy requests.
type FleetController struct {
	fleet  Fleet
	checks []doctor.Check
}

// NewFleetController creates a new controller. checks back GET /doctor.
func NewFleetController(fleet Fleet, checks ...doctor.Check) *FleetController {
	return &FleetController{fleet: fleet, checks: checks}
}

// Register mounts the routes under group.
func (h *FleetController) Register(group *gin.RouterGroup) {
	group.GET("/healthz", h.Health)
	group.GET("/instances", h.List)
	group.POST("/instances", h.Create)
	group.POST("/instances/batch", h.CreateBatch)
	group.GET("/instances/:id", h.Get)
	group.DELETE("/instances/:id", h.Remove)
	group.POST("/instances/:id/stop", h.Stop)
	group.POST("/instances/:id/start", h.Start)
	group.POST("/instances/:id/restart", h.Restart)
	group.POST("/instances/:id/rotate", h.Rotate)
	group.GET("/proxies", h.Proxies)
	group.POST("/rotate", h.RotateAll)
	group.POST("/stop", h.StopAll)
	group.POST("/cleanup", h.Cleanup)
	group.GET("/doctor", h.Doctor)
}

type createRequest struct {
	ID    string `json:"id"`
	Image string `json:"image"`
}

type batchRequest struct {
	Count int    `json:"count"`
	Image string `json:"image"`
}

type rotateRequest struct {
	Endpoint string `json:"endpoint"`
}

type batchItem struct {
	ID       string           `json:"id"`
	Instance *model.Instance  `json:"instance,omitempty"`
	Code     appErr.ErrorCode `json:"code"`
	Error    string           `json:"error,omitempty"`
}

// Health reports liveness and instance counts per state.
func (h *FleetController) Health(c *gin.Context) {
	counts := make(map[model.State]int)
	for _, inst := range h.fleet.List() {
		counts[inst.State]++
	}
	response.Success(c, gin.H{"status": "ok", "instances": counts})
}

// List returns every instance.
func (h *FleetController) List(c *gin.Context) {
	items := h.fleet.List()
	out := make([]*model.Instance, 0, len(items))
	for _, inst := range items {
		out = append(out, masked(inst))
	}
	response.Success(c, out)
}

// Create provisions one instance.
func (h *FleetController) Create(c *gin.Context) {
	var req createRequest
	if !bindOptional(c, &req) {
		return
	}
	inst, err := h.fleet.Create(c.Request.Context(), service.CreateRequest{ID: req.ID, Image: req.Image})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, masked(inst))
}

// CreateBatch provisions count instances concurrently.
func (h *FleetController) CreateBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	if req.Count < 1 || req.Count > maxBatch {
		response.Error(c, appErr.ValidationError("count", "must be between 1 and 256"))
		return
	}
	response.Success(c, batchItems(h.fleet.CreateBatch(c.Request.Context(), req.Count, req.Image)))
}

// RotateAll rebinds every running or proxy-degraded instance.
func (h *FleetController) RotateAll(c *gin.Context) {
	response.Success(c, batchItems(h.fleet.RotateAll(c.Request.Context())))
}

// StopAll stops every running or degraded instance.
func (h *FleetController) StopAll(c *gin.Context) {
	response.Success(c, batchItems(h.fleet.StopAll(c.Request.Context())))
}

// Cleanup removes every instance that is not mid-operation.
func (h *FleetController) Cleanup(c *gin.Context) {
	response.Success(c, batchItems(h.fleet.Cleanup(c.Request.Context())))
}

// Doctor runs the host checks. An unhealthy host still answers 200 with
// healthy set to false.
func (h *FleetController) Doctor(c *gin.Context) {
	results := doctor.Run(c.Request.Context(), h.checks)
	response.Success(c, gin.H{"healthy": doctor.Healthy(results), "checks": results})
}

// Get returns one instance with live sandbox data.
func (h *FleetController) Get(c *gin.Context) {
	detail, err := h.fleet.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	detail.Instance = masked(detail.Instance)
	response.Success(c, detail)
}

// Remove tears an instance down and forgets it.
func (h *FleetController) Remove(c *gin.Context) {
	if err := h.fleet.Remove(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"id": c.Param("id")})
}

func (h *FleetController) Stop(c *gin.Context) {
	h.transition(c, h.fleet.Stop)
}

func (h *FleetController) Start(c *gin.Context) {
	h.transition(c, h.fleet.Start)
}

func (h *FleetController) Restart(c *gin.Context) {
	h.transition(c, h.fleet.Restart)
}

// Rotate rebinds an instance, optionally to the endpoint in the body.
func (h *FleetController) Rotate(c *gin.Context) {
	var req rotateRequest
	if !bindOptional(c, &req) {
		return
	}
	var preferred *model.ProxyEndpoint
	if req.Endpoint != "" {
		ep, err := proxy.ParseEndpoint(req.Endpoint)
		if err != nil {
			response.Error(c, appErr.Wrapf(err, appErr.InvalidEndpoint, "invalid endpoint: %v", err))
			return
		}
		preferred = &ep
	}
	inst, err := h.fleet.Rotate(c.Request.Context(), c.Param("id"), preferred)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, masked(inst))
}

// Proxies returns the endpoint pool with health.
func (h *FleetController) Proxies(c *gin.Context) {
	items := h.fleet.Proxies()
	out := make([]model.ProxyEndpoint, 0, len(items))
	for _, ep := range items {
		out = append(out, ep.Masked())
	}
	response.Success(c, out)
}

func (h *FleetController) transition(c *gin.Context, fn func(context.Context, string) (*model.Instance, error)) {
	inst, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, masked(inst))
}

// bindOptional decodes a JSON body when one is present.
func bindOptional(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		response.BadRequest(c, "Invalid request body")
		return false
	}
	return true
}

func batchItems(results []service.BatchResult) []batchItem {
	items := make([]batchItem, 0, len(results))
	for _, r := range results {
		item := batchItem{ID: r.ID, Instance: masked(r.Instance), Code: appErr.Success}
		if r.Err != nil {
			item.Code = appErr.GetCode(r.Err)
			item.Error = r.Err.Error()
		}
		items = append(items, item)
	}
	return items
}

func masked(inst *model.Instance) *model.Instance {
	if inst == nil || inst.Endpoint == nil {
		return inst
	}
	out := inst.Clone()
	ep := out.Endpoint.Masked()
	out.Endpoint = &ep
	return out
}
