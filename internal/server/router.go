package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/appmaker/internal/history"
	"github.com/loykin/appmaker/internal/logger"
	"github.com/loykin/appmaker/internal/metrics"
	"github.com/loykin/appmaker/internal/project"
	"github.com/loykin/appmaker/internal/runner"
	"github.com/loykin/appmaker/internal/service"
)

// Supervisor is the part of the runner the HTTP layer drives.
type Supervisor interface {
	Run(ctx context.Context, projectID string) error
	Stop(ctx context.Context) (bool, error)
	Status() runner.RunStatus
}

// Router serves the application API.
// Endpoints, relative to basePath:
//
//	GET    /projects                      list projects, newest first
//	POST   /projects                      {prompt, llm_provider, model_name} create
//	GET    /projects/:id                  metadata and files
//	PUT    /projects/:id/rename           {new_name}
//	DELETE /projects/:id                  stops the app first if it is running
//	POST   /projects/:id/generate         {prompt, llm_provider, model_name}
//	POST   /projects/:id/fix              {instructions, llm_provider, model_name}
//	GET    /projects/:id/history          prompt history
//	GET    /projects/:id/problem_status   {problem}
//	PUT    /projects/:id/files            {path, content}
//	GET    /projects/:id/files/*path      {path, content}
//	GET    /projects/:id/runs             recorded run events
//	POST   /runner/run                    {project_id}
//	POST   /runner/stop
//	GET    /runner/status
//	GET    /runner/usage                  sampled cpu and memory of the app
//	GET    /get_logs                      {logs}
//	GET    /llm_options                   {provider: [models]}
type Router struct {
	svc      *service.Service
	sup      Supervisor
	activity *logger.Activity
	runs     history.Querier
	usage    *metrics.UsageCollector

	basePath string
	origins  []string
	metrics  bool
}

type Option func(*Router)

// WithRunHistory enables GET /projects/:id/runs.
func WithRunHistory(q history.Querier) Option { return func(r *Router) { r.runs = q } }

func WithUsage(u *metrics.UsageCollector) Option { return func(r *Router) { r.usage = u } }

// WithCORS allows browser clients from origins; "*" allows any.
func WithCORS(origins []string) Option { return func(r *Router) { r.origins = origins } }

// WithMetrics mounts the Prometheus handler at /metrics.
func WithMetrics(enabled bool) Option { return func(r *Router) { r.metrics = enabled } }

func NewRouter(svc *service.Service, sup Supervisor, activity *logger.Activity, basePath string, opts ...Option) *Router {
	r := &Router{svc: svc, sup: sup, activity: activity, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), corsMiddleware(r.origins))
	g.GET("/health", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	api := g.Group(r.basePath)
	for _, p := range []string{"/projects", "/projects/"} {
		api.GET(p, r.handleListProjects)
		api.POST(p, r.handleCreateProject)
	}
	pr := api.Group("/projects/:id")
	pr.GET("", r.handleGetProject)
	pr.DELETE("", r.handleDeleteProject)
	pr.PUT("/rename", r.handleRename)
	pr.POST("/generate", r.handleGenerate)
	pr.POST("/fix", r.handleFix)
	pr.GET("/history", r.handleHistory)
	pr.GET("/problem_status", r.handleProblemStatus)
	pr.PUT("/files", r.handleSaveFile)
	pr.GET("/files/*path", r.handleReadFile)
	pr.GET("/runs", r.handleRuns)

	api.POST("/runner/run", r.handleRun)
	api.POST("/runner/stop", r.handleStop)
	api.GET("/runner/status", r.handleRunnerStatus)
	api.GET("/runner/usage", r.handleUsage)
	api.GET("/get_logs", r.handleLogs)
	api.GET("/llm_options", r.handleLLMOptions)
	return g
}

// NewServer builds an http.Server for the router. Generation requests wait on
// the model, so the write timeout is generous.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type generateReq struct {
	Prompt   string `json:"prompt"`
	Provider string `json:"llm_provider"`
	Model    string `json:"model_name"`
}

type fixReq struct {
	Instructions string `json:"instructions"`
	Provider     string `json:"llm_provider"`
	Model        string `json:"model_name"`
}

type projectResp struct {
	ProjectID string          `json:"project_id"`
	Name      string          `json:"name"`
	CreatedAt time.Time       `json:"created_at"`
	Files     project.FileSet `json:"files"`
}

func toProjectResp(g service.Generated) projectResp {
	files := g.Files
	if files == nil {
		files = project.FileSet{}
	}
	return projectResp{ProjectID: g.Info.ID, Name: g.Info.Name, CreatedAt: g.Info.CreatedAt, Files: files}
}

func (r *Router) handleListProjects(c *gin.Context) {
	list, err := r.svc.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []project.Info{}
	}
	writeJSON(c, http.StatusOK, list)
}

func (r *Router) handleCreateProject(c *gin.Context) {
	var req generateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	out, err := r.svc.Create(c.Request.Context(), service.GenerateInput{Prompt: req.Prompt, Provider: req.Provider, Model: req.Model})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toProjectResp(out))
}

func (r *Router) handleGetProject(c *gin.Context) {
	out, err := r.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toProjectResp(out))
}

func (r *Router) handleDeleteProject(c *gin.Context) {
	if err := r.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"message": "project deleted", "project_id": c.Param("id")})
}

func (r *Router) handleRename(c *gin.Context) {
	var req struct {
		NewName string `json:"new_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.NewName == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "new_name required"})
		return
	}
	info, err := r.svc.Rename(c.Request.Context(), c.Param("id"), req.NewName)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) handleGenerate(c *gin.Context) {
	var req generateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	out, err := r.svc.Generate(c.Request.Context(), c.Param("id"), service.GenerateInput{Prompt: req.Prompt, Provider: req.Provider, Model: req.Model})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toProjectResp(out))
}

func (r *Router) handleFix(c *gin.Context) {
	var req fixReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	out, err := r.svc.Fix(c.Request.Context(), c.Param("id"), req.Instructions, service.GenerateInput{Provider: req.Provider, Model: req.Model})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toProjectResp(out))
}

func (r *Router) handleHistory(c *gin.Context) {
	h, err := r.svc.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, h)
}

func (r *Router) handleProblemStatus(c *gin.Context) {
	p, err := r.svc.Problem(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"problem": p})
}

func (r *Router) handleSaveFile(c *gin.Context) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.svc.SaveFile(c.Request.Context(), c.Param("id"), req.Path, req.Content); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleReadFile(c *gin.Context) {
	path := trimLeadingSlash(c.Param("path"))
	content, err := r.svc.ReadFile(c.Request.Context(), c.Param("id"), path)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"path": path, "content": content})
}

func (r *Router) handleRuns(c *gin.Context) {
	if r.runs == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: history.ErrNotQueryable.Error()})
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := r.runs.Recent(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleRun(c *gin.Context) {
	var req struct {
		ProjectID string `json:"project_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.ProjectID == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "project_id required"})
		return
	}
	// The launched program outlives this request.
	if err := r.sup.Run(context.WithoutCancel(c.Request.Context()), req.ProjectID); err != nil {
		writeError(c, err)
		return
	}
	st := r.sup.Status()
	writeJSON(c, http.StatusOK, gin.H{"message": "application started", "project_id": req.ProjectID, "pid": st.PID})
}

func (r *Router) handleStop(c *gin.Context) {
	stopped, err := r.sup.Stop(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if !stopped {
		writeJSON(c, http.StatusOK, gin.H{"stopped": false, "message": "no application is running", "status": "no_app_running"})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"stopped": true, "message": "application stopped"})
}

func (r *Router) handleRunnerStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Status())
}

func (r *Router) handleUsage(c *gin.Context) {
	if !r.usage.Enabled() {
		writeJSON(c, http.StatusOK, gin.H{"enabled": false, "samples": []metrics.Usage{}})
		return
	}
	samples := r.usage.History()
	if samples == nil {
		samples = []metrics.Usage{}
	}
	writeJSON(c, http.StatusOK, gin.H{"enabled": true, "samples": samples})
}

func (r *Router) handleLogs(c *gin.Context) {
	lines := r.activity.Lines()
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, gin.H{"logs": lines})
}

func (r *Router) handleLLMOptions(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.LLMOptions())
}
