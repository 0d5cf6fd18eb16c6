package api

import (
	"context"
	"net/http"

	"github.com/sells-group/dispensary-deals/internal/model"
	"github.com/sells-group/dispensary-deals/internal/pipeline"
	"github.com/sells-group/dispensary-deals/internal/ranking"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.cfg.Breakers != nil {
		body["providers"] = s.cfg.Breakers.States()
	}
	status := http.StatusOK
	if err := s.catalog.Ping(r.Context()); err != nil {
		body["status"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req pipeline.FetchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.ingest.Fetch(r.Context(), req)
	if err != nil {
		writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	var req pipeline.OCRRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.ingest.OCR(r.Context(), req)
	if err != nil {
		writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ParseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.ingest.Parse(r.Context(), req)
	if err != nil {
		writeKindError(w, r, err)
		return
	}
	if res.Deals == nil {
		res.Deals = []model.Deal{}
	}
	writeJSON(w, http.StatusOK, res)
}

type triggerRequest struct {
	Only []string `json:"only,omitempty"`
}

type triggerResponse struct {
	Processed     int64 `json:"processed"`
	Skipped       int64 `json:"skipped"`
	Failed        int64 `json:"failed"`
	DealsInserted int64 `json:"deals_inserted"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	if s.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.BatchTimeout)
		defer cancel()
	}
	sum := s.ingest.RunBatch(ctx, req.Only)
	writeJSON(w, http.StatusOK, triggerResponse{
		Processed:     sum.Processed,
		Skipped:       sum.Skipped,
		Failed:        sum.Failed,
		DealsInserted: sum.DealsInserted,
	})
}

func (s *Server) handleRanked(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deals, err := s.ranker.Rank(r.Context(), q.Get("email"), q.Get("date"))
	if err != nil {
		writeKindError(w, r, err)
		return
	}
	if deals == nil {
		deals = []ranking.RankedDeal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deals": deals})
}

func (s *Server) handlePutSubscriber(w http.ResponseWriter, r *http.Request) {
	var sub model.Subscriber
	if !decodeBody(w, r, &sub) {
		return
	}
	if err := s.ranker.SavePreferences(r.Context(), &sub); err != nil {
		writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleBrands(w http.ResponseWriter, r *http.Request) {
	brands, err := s.catalog.ListBrands(r.Context())
	if err != nil {
		writeKindError(w, r, err)
		return
	}
	if brands == nil {
		brands = []model.Brand{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"brands": brands})
}
