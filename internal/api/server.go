// Package api exposes the ledger over HTTP: pure reads, authenticated
// structured commands and the external event intake.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/roach88/autodeposit/internal/command"
	"github.com/roach88/autodeposit/internal/fault"
	"github.com/roach88/autodeposit/internal/gateway"
	"github.com/roach88/autodeposit/internal/notify"
	"github.com/roach88/autodeposit/internal/store"
)

// maxBody bounds command and event payloads.
const maxBody = 1 << 20

// RecordReader reads the audit log.
type RecordReader interface {
	ReadRecords(ctx context.Context, f store.Filter) ([]notify.Record, error)
}

// Server holds the HTTP handlers.
type Server struct {
	Dispatcher *command.Dispatcher
	Gateway    *gateway.Gateway
	Records    RecordReader
	JWT        JWT
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	s.Register(r)
	return r
}

// Register adds the routes to r.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	v1.GET("/plans/:id", s.getPlan)
	v1.GET("/plans/:id/due", s.isDue)
	v1.GET("/owners/:owner/plans", s.listPlans)
	v1.GET("/owners/:owner/portfolio", s.portfolio)
	v1.GET("/stats", s.stats)
	v1.GET("/notifications", s.notifications)

	authed := v1.Group("", RequireAuth(s.JWT))
	authed.POST("/commands", s.command)
	authed.POST("/events", s.event)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getPlan(c *gin.Context) {
	s.read(c, command.GetPlan, c.Param("id"))
}

func (s *Server) isDue(c *gin.Context) {
	s.read(c, command.IsDue, c.Param("id"))
}

func (s *Server) listPlans(c *gin.Context) {
	s.dispatch(c, command.Command{
		Action: command.ListPlans,
		Params: map[string]any{"owner": c.Param("owner")},
	})
}

func (s *Server) portfolio(c *gin.Context) {
	s.dispatch(c, command.Command{
		Action: command.GetPortfolio,
		Params: map[string]any{"owner": c.Param("owner")},
	})
}

func (s *Server) stats(c *gin.Context) {
	s.dispatch(c, command.Command{Action: command.Stats})
}

// read dispatches a plan-scoped read whose id comes from the path.
func (s *Server) read(c *gin.Context, action command.Action, rawID string) {
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || id == 0 {
		Fail(c, fault.New(fault.InvalidParameter, 0, "invalid plan id %q", rawID))
		return
	}
	s.dispatch(c, command.Command{Action: action, Params: map[string]any{"plan_id": id}})
}

func (s *Server) dispatch(c *gin.Context, cmd command.Command) {
	res, err := s.Dispatcher.Dispatch(c.Request.Context(), cmd)
	if err != nil {
		Fail(c, err)
		return
	}
	var meta map[string]any
	if res.Flow != "" {
		meta = map[string]any{"flow": res.Flow}
	}
	Ok(c, res.Data, meta)
}

func (s *Server) notifications(c *gin.Context) {
	if s.Records == nil {
		Error(c, http.StatusServiceUnavailable, "audit log not configured", nil)
		return
	}

	var f store.Filter
	var err error
	if v := c.Query("plan_id"); v != "" {
		if f.PlanID, err = strconv.ParseUint(v, 10, 64); err != nil {
			Fail(c, fault.New(fault.InvalidParameter, 0, "invalid plan_id %q", v))
			return
		}
	}
	if v := c.Query("after"); v != "" {
		if f.AfterSeq, err = strconv.ParseInt(v, 10, 64); err != nil {
			Fail(c, fault.New(fault.InvalidParameter, 0, "invalid after %q", v))
			return
		}
	}
	if v := c.Query("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			Fail(c, fault.New(fault.InvalidParameter, 0, "invalid limit %q", v))
			return
		}
	}
	f.Owner = c.Query("owner")
	f.Flow = c.Query("flow")
	if v := c.Query("kind"); v != "" {
		f.Kind = notify.Kind(v)
		if !f.Kind.Valid() {
			Fail(c, fault.New(fault.InvalidParameter, 0, "unknown kind %q", v))
			return
		}
	}

	records, err := s.Records.ReadRecords(c.Request.Context(), f)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, records, map[string]any{"count": len(records)})
}

type commandRequest struct {
	Action command.Action `json:"action"`
	Params map[string]any `json:"params"`
}

func (s *Server) command(c *gin.Context) {
	var req commandRequest
	dec := json.NewDecoder(io.LimitReader(c.Request.Body, maxBody))
	if err := dec.Decode(&req); err != nil {
		Fail(c, fault.Wrap(fault.InvalidParameter, 0, err, "decode command"))
		return
	}
	s.dispatch(c, command.Command{
		Action: req.Action,
		Caller: Caller(c),
		Params: req.Params,
	})
}

func (s *Server) event(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		Fail(c, fault.Wrap(fault.InvalidParameter, 0, err, "read event"))
		return
	}
	ev, err := gateway.DecodeEvent(body)
	if err != nil {
		Fail(c, fault.Wrap(fault.InvalidParameter, 0, err, "invalid event"))
		return
	}
	out, err := s.Gateway.OnExternalEvent(c.Request.Context(), ev)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, out, nil)
}
