// Package httpapi implements C9: the Gin-based HTTP surface over the
// Ingest Engine, Hybrid Vector Store, Context Assembler, and Completion
// Client (§4.9 of SPEC_FULL.md).
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/vasic-digital/embedder/internal/apperrors"
	"github.com/vasic-digital/embedder/internal/assembler"
	"github.com/vasic-digital/embedder/internal/chunker"
	"github.com/vasic-digital/embedder/internal/completion"
	"github.com/vasic-digital/embedder/internal/config"
	"github.com/vasic-digital/embedder/internal/embedclient"
	"github.com/vasic-digital/embedder/internal/ingest"
	"github.com/vasic-digital/embedder/internal/middleware"
	"github.com/vasic-digital/embedder/internal/model"
	"github.com/vasic-digital/embedder/internal/observability/metrics"
	"github.com/vasic-digital/embedder/internal/registry"
	"github.com/vasic-digital/embedder/internal/store"
	"github.com/vasic-digital/embedder/internal/tokenizer"
	"github.com/vasic-digital/embedder/internal/utils"
)

const defaultWorkerPoolSize = 4

// Deps wires every already-built component this surface serves.
type Deps struct {
	Config       *config.Config
	ConfigPath   string
	Log          *logrus.Logger
	Store        *store.Store
	Ingest       *ingest.Engine
	Chunker      *chunker.Chunker
	Tokenizer    *tokenizer.Tokenizer
	Embed        *embedclient.Client
	Completion   *completion.Client
	Assembler    *assembler.Assembler
	Registry     *registry.Registry
	Metrics      *metrics.Collector
	Auth         *middleware.AdminAuth
	Validator    *middleware.Validator
	AppKey       string
	WorkerPool   int
	ShutdownFunc func()
}

// Server builds and serves the gin.Engine described by §4.9.
type Server struct {
	deps      Deps
	router    *gin.Engine
	workers   *semaphore.Weighted
	startedAt time.Time
}

func New(deps Deps) *Server {
	if deps.WorkerPool <= 0 {
		deps.WorkerPool = defaultWorkerPoolSize
	}
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	if deps.Validator == nil {
		deps.Validator = middleware.NewDefaultValidator()
	}
	s := &Server{deps: deps, workers: semaphore.NewWeighted(int64(deps.WorkerPool)), startedAt: time.Now()}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.deps.Validator.BodySizeMiddleware())

	r.GET("/", s.handleIndex)
	r.GET("/api", s.handleCatalog)
	r.GET("/api/health", s.handleHealth)
	r.GET("/api/stats", s.handleStats)
	r.GET("/api/metrics", s.handleAPIMetrics)
	r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	r.GET("/api/settings", s.handleSettings)
	r.GET("/api/documents", s.handleListDocuments)
	r.POST("/api/authenticate", s.deps.Auth.Authenticate)
	r.POST("/api/search", middleware.RequireJSON(), s.deps.Validator.ValidateSearchMiddleware(), s.withWorker(metrics.KindSearch, s.handleSearch))
	r.POST("/api/embed", middleware.RequireJSON(), s.deps.Validator.ValidateEmbedMiddleware(), s.withWorker(metrics.KindEmbed, s.handleEmbed))
	r.POST("/api/documents", middleware.RequireJSON(), s.deps.Validator.ValidateDocumentMiddleware(), s.withWorker(metrics.KindEmbed, s.handleCreateDocument))
	r.POST("/api/update", s.withWorker(metrics.KindEmbed, s.handleUpdate))
	r.POST("/api/chat", middleware.RequireJSON(), s.deps.Validator.ValidateChatMiddleware(), s.withWorker(metrics.KindChat, s.handleChat))
	r.POST("/api/fim", s.withWorker(metrics.KindChat, s.handleFIM))
	r.POST("/api/shutdown", s.deps.Auth.ShutdownKeyOrAdmin(s.deps.AppKey), s.handleShutdown)

	admin := r.Group("/api")
	admin.Use(s.deps.Auth.RequireAdmin())
	admin.GET("/setup", s.handleGetSetup)
	admin.POST("/setup", s.handlePostSetup)
	admin.GET("/instances", s.handleInstances)

	return r
}

// withWorker bounds concurrent handling of expensive endpoints to the
// configured worker-pool size and records the per-kind request metric
// (§4.9 "small worker-thread pool (default 4)"; "request counter, per-kind
// counter ... updated atomically").
func (s *Server) withWorker(kind string, next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.workers.Acquire(c.Request.Context(), 1); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled while waiting for a worker"})
			return
		}
		defer s.workers.Release(1)
		start := time.Now()
		next(c)
		s.deps.Metrics.Record(kind, time.Since(start))
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	if s.deps.ConfigPath == "" {
		c.Redirect(http.StatusFound, "/setup/")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte("<html><body><h1>embedder</h1></body></html>"))
}

func (s *Server) handleCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"endpoints": []string{
		"/api/health", "/api/stats", "/api/metrics", "/metrics", "/api/settings",
		"/api/documents", "/api/setup", "/api/instances", "/api/authenticate",
		"/api/search", "/api/embed", "/api/update", "/api/chat", "/api/fim", "/api/shutdown",
	}})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.deps.Store.GetStats()
	if err != nil {
		writeErr(c, err)
		return
	}
	report, err := s.deps.Ingest.Stats()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_chunks": stats.TotalChunks,
		"vector_count": stats.LiveVectors,
		"sources":      report,
	})
}

func (s *Server) handleAPIMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Metrics.Snapshot())
}

func (s *Server) handleSettings(c *gin.Context) {
	type entry struct {
		config.APIProviderConfig
		Current       bool    `json:"current"`
		CombinedPrice float64 `json:"combinedPrice"`
	}
	out := make([]entry, 0, len(s.deps.Config.Generation.APIs))
	for _, api := range s.deps.Config.Generation.APIs {
		out = append(out, entry{
			APIProviderConfig: api,
			Current:           api.ID == s.deps.Config.Generation.CurrentAPI,
			CombinedPrice:     api.PricingTPM.Input + api.PricingTPM.Output,
		})
	}
	c.JSON(http.StatusOK, gin.H{"apis": out})
}

func (s *Server) handleListDocuments(c *gin.Context) {
	files, err := s.deps.Store.GetTrackedFiles()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": files})
}

func (s *Server) handleGetSetup(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Config)
}

func (s *Server) handlePostSetup(c *gin.Context) {
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	for _, key := range []string{"embedding", "generation", "database", "chunking"} {
		if _, ok := raw[key]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing required config section: " + key})
			return
		}
	}
	if err := config.Save(s.deps.ConfigPath, raw); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

func (s *Server) handleInstances(c *gin.Context) {
	instances, err := s.deps.Registry.GetActiveInstances()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances})
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}
	vectors, err := s.deps.Embed.Generate([]string{req.Query}, model.Query)
	if err != nil {
		writeErr(c, err)
		return
	}
	results, err := s.deps.Store.Search(vectors[0], req.TopK)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type embedRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleEmbed(c *gin.Context) {
	var req embedRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	vectors, err := s.deps.Embed.Generate([]string{req.Text}, model.Document)
	if err != nil {
		writeErr(c, err)
		return
	}
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	c.JSON(http.StatusOK, gin.H{"embedding": vectors[0], "dimension": dim})
}

type createDocumentRequest struct {
	Content  string `json:"content"`
	SourceID string `json:"source_id"`
}

func (s *Server) handleCreateDocument(c *gin.Context) {
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" || req.SourceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content and source_id are required"})
		return
	}
	if !utils.ValidatePath(req.SourceID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_id contains unsafe path characters"})
		return
	}

	chunks := s.deps.Chunker.Chunk(req.Content, req.SourceID, chunker.Options{
		MinTokens: s.deps.Config.Chunking.NofMinTokens, MaxTokens: s.deps.Config.Chunking.NofMaxTokens,
		OverlapRatio: s.deps.Config.Chunking.OverlapPercentage, Semantic: s.deps.Config.Chunking.Semantic,
	})
	if len(chunks) == 0 {
		c.JSON(http.StatusOK, gin.H{"chunks_added": 0})
		return
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := s.deps.Embed.Generate(texts, model.Document)
	if err != nil {
		writeErr(c, err)
		return
	}

	tx, err := s.deps.Store.BeginTransaction()
	if err != nil {
		writeErr(c, err)
		return
	}
	if _, err := tx.AddDocuments(chunks, vectors); err != nil {
		tx.Rollback()
		writeErr(c, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chunks_added": len(chunks)})
}

func (s *Server) handleUpdate(c *gin.Context) {
	stats, err := s.deps.Ingest.Update()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"new": stats.New, "modified": stats.Modified, "deleted": stats.Deleted, "unchanged": stats.Unchanged})
}

func (s *Server) handleShutdown(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "shutting down"})
	if s.deps.ShutdownFunc != nil {
		s.deps.ShutdownFunc()
	}
}

type chatRequest struct {
	Messages      []completion.Message   `json:"messages"`
	PinnedSources []string               `json:"pinned_sources"`
	Attachments   []assembler.Attachment `json:"attachments"`
	AttachedOnly  bool                   `json:"attached_only"`
	CtxRatio      float64                `json:"ctxratio"`
	Temperature   float64                `json:"temperature"`
	MaxTokens     int                    `json:"max_tokens"`
}

// handleChat assembles context for the final user message and streams the
// provider's reply back as SSE frames, grounded on the teacher's
// ChatCompletionsStream framing: text/event-stream headers, manual
// "data: "+json+"\n\n" writes, an http.Flusher, and a recover()-guarded
// http.CloseNotifier since httptest.ResponseRecorder doesn't implement it.
func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages is required"})
		return
	}
	question := req.Messages[len(req.Messages)-1].Content

	assembled, err := s.deps.Assembler.Assemble(question, assembler.Options{
		PinnedSources: req.PinnedSources,
		Attachments:   req.Attachments,
		AttachedOnly:  req.AttachedOnly,
		CtxRatio:      req.CtxRatio,
	})
	if err != nil {
		writeErr(c, err)
		return
	}
	results := make([]model.SearchResult, len(assembled.Passages))
	for i, passage := range assembled.Passages {
		results[i] = model.SearchResult{Content: passage, SourceID: assembled.SourceIDs[i]}
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = s.deps.Config.Generation.DefaultTemperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = s.deps.Config.Generation.DefaultMaxTokens
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	var clientGone <-chan bool
	dummy := make(chan bool)
	clientGone = dummy
	func() {
		defer func() { recover() }()
		if cn, ok := c.Writer.(http.CloseNotifier); ok {
			clientGone = cn.CloseNotify()
		}
	}()
	idle := time.NewTicker(30 * time.Second)
	defer idle.Stop()

	streamDone := make(chan error, 1)
	go func() {
		_, err := s.deps.Completion.Chat(req.Messages, results, temperature, maxTokens, func(delta string) {
			frame, _ := json.Marshal(gin.H{"content": delta})
			c.Writer.Write([]byte("data: "))
			c.Writer.Write(frame)
			c.Writer.Write([]byte("\n\n"))
			flusher.Flush()
		})
		streamDone <- err
	}()

	select {
	case <-clientGone:
	case err := <-streamDone:
		if err != nil {
			frame, _ := json.Marshal(gin.H{"error": err.Error()})
			c.Writer.Write([]byte("data: " + string(frame) + "\n\n"))
			flusher.Flush()
		}
	case <-idle.C:
	}
	c.Writer.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

type fimRequest struct {
	Prefix      string   `json:"prefix"`
	Suffix      string   `json:"suffix"`
	Stop        []string `json:"stop"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
}

func (s *Server) handleFIM(c *gin.Context) {
	var req fimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = s.deps.Config.Generation.DefaultTemperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = s.deps.Config.Generation.DefaultMaxTokens
	}
	result, err := s.deps.Completion.FIM(req.Prefix, req.Suffix, req.Stop, temperature, maxTokens)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"completion": result})
}

func writeErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
	case apperrors.Is(err, apperrors.ErrAuth):
		status = http.StatusUnauthorized
	case apperrors.Is(err, apperrors.ErrConfig), apperrors.Is(err, apperrors.ErrPrecondition):
		status = http.StatusBadRequest
	case apperrors.Is(err, apperrors.ErrProviderFailure):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
