package service

import (
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-query/query"
	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

// CacheReport is the body of GET /cache.
type CacheReport struct {
	Stats            query.Stats `json:"stats"`
	Keys             []string    `json:"keys"`
	PendingMutations int         `json:"pending_mutations"`
}

type invalidateRequest struct {
	Prefix []string `json:"prefix"`
}

func (s *Service) registerRoutes() {
	if s.health != nil {
		s.server.Handle(fasthttp.MethodGet, "/health", s.health.HandleHealth)
		s.server.Handle(fasthttp.MethodGet, "/version", s.health.HandleVersion)
	}
	if s.metricsMgr != nil {
		s.server.Handle(fasthttp.MethodGet, "/metrics", s.metricsMgr.Handler())
	}

	s.server.Handle(fasthttp.MethodGet, "/cache", s.handleCache)
	s.server.Handle(fasthttp.MethodPost, "/cache/invalidate", s.handleInvalidate)
	s.server.Handle(fasthttp.MethodGet, "/scheduler", s.handleScheduler)
}

// Report summarizes the query cache.
func (s *Service) Report() CacheReport {
	keys := s.queries.Keys()

	report := CacheReport{
		Stats:            s.queries.Stats(),
		Keys:             make([]string, 0, len(keys)),
		PendingMutations: s.coordinator.Pending(),
	}
	for _, k := range keys {
		report.Keys = append(report.Keys, k.String())
	}
	return report
}

func (s *Service) handleCache(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, s.Report())
}

// handleInvalidate marks every entry under the posted prefix stale. An empty
// body or prefix invalidates the whole cache.
func (s *Service) handleInvalidate(ctx *fasthttp.RequestCtx) {
	var req invalidateRequest
	if body := ctx.PostBody(); len(body) > 0 {
		if err := utils.Unmarshal(body, &req); err != nil {
			utils.WriteJSON(ctx, fasthttp.StatusBadRequest, map[string]string{
				"error": types.WrapError(err, "invalid request body").Error(),
			})
			return
		}
	}

	prefix := make(query.Key, len(req.Prefix))
	for i, seg := range req.Prefix {
		prefix[i] = seg
	}

	refresh, err := s.queries.Invalidate(prefix)
	if err != nil {
		utils.WriteJSON(ctx, fasthttp.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusAccepted, map[string]int{"refetching": refresh.Len()})
}

func (s *Service) handleScheduler(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, s.scheduler.Jobs())
}
