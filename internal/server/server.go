// Package server exposes the graph store and engines over HTTP.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tracelabs/whaletrace/internal/graph"
	"github.com/tracelabs/whaletrace/internal/pipeline"
	"github.com/tracelabs/whaletrace/internal/propagate"
)

type Server struct {
	store      *graph.Store
	runner     *pipeline.Runner
	propagator *propagate.Engine
	log        *slog.Logger
}

func New(store *graph.Store, runner *pipeline.Runner, propagator *propagate.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: store, runner: runner, propagator: propagator, log: log}
}

func (s *Server) SetupRouter() *gin.Engine {
	r := gin.Default()

	r.GET("/stats", s.Stats)
	r.GET("/entities/:address", s.GetEntity)
	r.GET("/clusters", s.ListClusters)
	r.GET("/clusters/:id", s.GetCluster)
	r.POST("/addresses", s.AddAddresses)
	r.POST("/run", s.RunPipeline)
	r.POST("/propagate", s.Propagate)

	return r
}

func (s *Server) Stats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		s.log.Error("stats query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) GetEntity(c *gin.Context) {
	ctx := c.Request.Context()
	address := c.Param("address")

	ent, err := s.store.GetEntity(ctx, address)
	if errors.Is(err, graph.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown address"})
		return
	}
	if err != nil {
		s.log.Error("entity lookup failed", "address", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load entity"})
		return
	}

	rels, err := s.store.Relationships(ctx, ent.Address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load relationships"})
		return
	}
	evidence, err := s.store.EvidenceFor(ctx, ent.Address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load evidence"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entity":        ent,
		"relationships": rels,
		"evidence":      evidence,
	})
}

func (s *Server) ListClusters(c *gin.Context) {
	clusters, err := s.store.Clusters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load clusters"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusters": clusters})
}

func (s *Server) GetCluster(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	cluster, err := s.store.GetCluster(ctx, id)
	if errors.Is(err, graph.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown cluster"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load cluster"})
		return
	}
	members, err := s.store.ClusterMembers(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load members"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cluster": cluster, "members": members})
}

type AddAddressesRequest struct {
	Addresses []string `json:"addresses"`
}

func (s *Server) AddAddresses(c *gin.Context) {
	var req AddAddressesRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Addresses) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	ctx := c.Request.Context()
	queued := 0
	for _, addr := range req.Addresses {
		if graph.NormalizeAddress(addr) == "" {
			continue
		}
		if err := s.runner.Enqueue(ctx, addr); err != nil {
			s.log.Error("enqueue failed", "address", addr, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue addresses"})
			return
		}
		queued++
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": queued})
}

func (s *Server) RunPipeline(c *gin.Context) {
	summary, err := s.runner.Run(c.Request.Context())
	if err != nil {
		s.log.Error("pipeline run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pipeline run failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

type PropagateRequest struct {
	Seeds []struct {
		Address    string  `json:"address"`
		Identity   string  `json:"identity"`
		Confidence float64 `json:"confidence"`
	} `json:"seeds"`
}

func (s *Server) Propagate(c *gin.Context) {
	var req PropagateRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Seeds) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	seeds := make([]propagate.Seed, 0, len(req.Seeds))
	for _, sd := range req.Seeds {
		seeds = append(seeds, propagate.Seed{
			Address:    sd.Address,
			Identity:   sd.Identity,
			Confidence: sd.Confidence,
		})
	}

	res, err := s.propagator.Run(c.Request.Context(), seeds)
	if err != nil {
		s.log.Error("propagation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "propagation failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}
