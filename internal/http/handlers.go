package http

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/estimatord/internal/security"
	"github.com/fyrsmithlabs/estimatord/internal/vectorstore"
)

// StoreRequest is the body of POST /api/v1/embeddings. The tenant comes
// from the request scope; a clientId in the body must name the same tenant.
type StoreRequest struct {
	ClientID   string                 `json:"clientId,omitempty"`
	JobID      string                 `json:"jobId,omitempty"`
	SourcePath string                 `json:"sourcePath"`
	SourceType vectorstore.SourceType `json:"sourceType"`
	Content    string                 `json:"content"`
	Metadata   map[string]any         `json:"metadata,omitempty"`
	Revision   int                    `json:"revision,omitempty"`
}

// SearchRequest is the body of POST /api/v1/search. Exactly one of Query
// and QueryEmbedding is set.
type SearchRequest struct {
	ClientID       string    `json:"clientId,omitempty"`
	JobID          string    `json:"jobId,omitempty"`
	Query          string    `json:"query,omitempty"`
	QueryEmbedding []float32 `json:"queryEmbedding,omitempty"`
	Limit          int       `json:"limit,omitempty"`
	Threshold      *float64  `json:"threshold,omitempty"`
}

// SearchResponse is the data of a search reply.
type SearchResponse struct {
	Results []vectorstore.SearchResult `json:"results"`
	Count   int                        `json:"count"`
}

// StoreResponse is the data of an ingest reply.
type StoreResponse struct {
	ID         string `json:"id"`
	SourcePath string `json:"sourcePath"`
	Revision   int    `json:"revision"`
	Dimensions int    `json:"dimensions"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// scope returns the security context and the tenant to operate on.
func (s *Server) scope(c echo.Context, bodyClientID string) (*security.Context, string, error) {
	sc, ok := security.ContextFromEcho(c)
	if !ok {
		return nil, "", security.ErrUnauthorized
	}
	if bodyClientID == "" || bodyClientID == sc.ClientID {
		return sc, sc.ClientID, nil
	}
	if err := s.access.ValidateClientAccess(c.Request().Context(), sc, bodyClientID); err != nil {
		return nil, "", err
	}
	return sc, bodyClientID, nil
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", vectorstore.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (s *Server) handleStore(c echo.Context) error {
	var req StoreRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, badRequest("invalid request body"))
	}
	sc, clientID, err := s.scope(c, req.ClientID)
	if err != nil {
		return s.fail(c, err)
	}

	rec, err := s.store.StoreEmbedding(c.Request().Context(), vectorstore.StoreRequest{
		ClientID:   clientID,
		JobID:      req.JobID,
		SourcePath: req.SourcePath,
		SourceType: req.SourceType,
		Content:    req.Content,
		Metadata:   req.Metadata,
		Revision:   req.Revision,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return s.ok(c, http.StatusCreated, StoreResponse{
		ID:         rec.ID,
		SourcePath: rec.SourcePath,
		Revision:   rec.Revision,
		Dimensions: rec.Dimensions,
	}, sc)
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, badRequest("invalid request body"))
	}
	sc, clientID, err := s.scope(c, req.ClientID)
	if err != nil {
		return s.fail(c, err)
	}

	ctx := c.Request().Context()
	var results []vectorstore.SearchResult
	switch {
	case req.Query != "" && len(req.QueryEmbedding) > 0:
		return s.fail(c, badRequest("set either query or queryEmbedding, not both"))
	case req.Query != "":
		results, err = s.store.SearchText(ctx, vectorstore.TextQuery{
			ClientID:  clientID,
			JobID:     req.JobID,
			Text:      req.Query,
			Limit:     req.Limit,
			Threshold: req.Threshold,
		})
	case len(req.QueryEmbedding) > 0:
		results, err = s.store.SearchSimilar(ctx, vectorstore.SearchQuery{
			ClientID:  clientID,
			JobID:     req.JobID,
			Embedding: req.QueryEmbedding,
			Limit:     req.Limit,
			Threshold: req.Threshold,
		})
	default:
		return s.fail(c, badRequest("query or queryEmbedding is required"))
	}
	if err != nil {
		return s.fail(c, err)
	}
	if results == nil {
		results = []vectorstore.SearchResult{}
	}
	return s.ok(c, http.StatusOK, SearchResponse{Results: results, Count: len(results)}, sc)
}

// handleDelete takes its scope from the query string: sourcePath, else
// jobId, else the whole tenant.
func (s *Server) handleDelete(c echo.Context) error {
	sc, clientID, err := s.scope(c, "")
	if err != nil {
		return s.fail(c, err)
	}
	scope := vectorstore.DeleteScope{
		ClientID:   clientID,
		SourcePath: c.QueryParam("sourcePath"),
		JobID:      c.QueryParam("jobId"),
	}
	if err := s.store.DeleteEmbeddings(c.Request().Context(), scope); err != nil {
		return s.fail(c, err)
	}
	return s.ok(c, http.StatusOK, map[string]string{"scope": scope.Level()}, sc)
}

func (s *Server) handleStats(c echo.Context) error {
	sc, clientID, err := s.scope(c, "")
	if err != nil {
		return s.fail(c, err)
	}
	st, err := s.store.GetStats(c.Request().Context(), clientID)
	if err != nil {
		return s.fail(c, err)
	}
	return s.ok(c, http.StatusOK, st, sc)
}
