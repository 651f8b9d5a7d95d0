package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phpack/phpack/internal/deps"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/pipeline"
	"github.com/phpack/phpack/internal/server"
	"github.com/phpack/phpack/internal/types"
)

type pathRequest struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

func (s *Server) detect(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[pathRequest](w, r)
	if !ok {
		return
	}
	res, err := s.engine.DetectProject(req.Path)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListProjects(r.Context())
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	for _, p := range list {
		if inst, ok := s.engine.Servers.ByProject(p.ID); ok {
			port := inst.Port
			p.ServerPort = &port
			p.IsRunning = inst.Status == types.ServerRunning
		}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) importProject(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[pathRequest](w, r)
	if !ok {
		return
	}
	p, err := s.engine.ImportProject(r.Context(), req.Path, req.Name)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) project(w http.ResponseWriter, r *http.Request) (*types.Project, bool) {
	p, err := s.engine.Registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, r, err)
		return nil, false
	}
	return p, true
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) removeProject(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveProject(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDependencies(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	list, err := s.engine.ListDependencies(r.Context(), p.Path)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// installLine is one NDJSON line of an install stream
type installLine struct {
	Progress *deps.Progress `json:"progress,omitempty"`
	Done     bool           `json:"done,omitempty"`
	Error    *errorResponse `json:"error,omitempty"`
}

// installDependencies streams progress as newline delimited JSON. The last
// line reports success or the error.
func (s *Server) installDependencies(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	noDev := r.URL.Query().Get("dev") != "true"

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	emit := func(line installLine) {
		_ = enc.Encode(line)
		if flusher != nil {
			flusher.Flush()
		}
	}

	progress := make(chan deps.Progress)
	errc := make(chan error, 1)
	go func() {
		errc <- s.engine.InstallDependencies(r.Context(), p.Path, noDev, progress)
		close(progress)
	}()
	for pr := range progress {
		pr := pr
		emit(installLine{Progress: &pr})
	}
	if err := <-errc; err != nil {
		resp := toResponse(err)
		emit(installLine{Error: &resp})
		return
	}
	emit(installLine{Done: true})
}

func (s *Server) buildConfig(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	cfg, err := s.engine.BuildConfigFor(r.Context(), p)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	list, err := s.engine.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type startServerRequest struct {
	Path string `json:"path"`
	Port int    `json:"port"`
}

func (s *Server) listServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Servers.List())
}

func (s *Server) startServer(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[startServerRequest](w, r)
	if !ok {
		return
	}
	// the server outlives the request
	inst, err := s.engine.StartServer(context.WithoutCancel(r.Context()), req.Path, req.Port)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.hub.ServerActivity()
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) serverStatus(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.ServerStatus(port))
}

func (s *Server) stopServer(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	if err := s.engine.StopServer(r.Context(), port); err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.hub.ServerActivity()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) serverLogs(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	q := r.URL.Query()
	query := server.LogQuery{
		Level:  server.LogLevel(q.Get("level")),
		Search: q.Get("q"),
	}
	if query.Level != "" && !query.Level.IsValid() {
		s.writeFault(w, r, fault.New(fault.KindInvalidConfig, "api.logs", "invalid level %q", query.Level))
		return
	}
	query.AfterSeq, _ = strconv.ParseUint(q.Get("after"), 10, 64)
	query.Limit, _ = strconv.Atoi(q.Get("limit"))

	entries, err := s.engine.ServerLogs(port, query)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) availablePort(w http.ResponseWriter, r *http.Request) {
	port, err := s.engine.GetAvailablePort()
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"port": port})
}

type startBuildRequest struct {
	ProjectID string `json:"project_id"`
	// Config fields override the project's last configuration
	Config json.RawMessage `json:"config,omitempty"`
}

func (s *Server) startBuild(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[startBuildRequest](w, r)
	if !ok {
		return
	}
	p, err := s.engine.Registry.Get(r.Context(), req.ProjectID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	cfg, err := s.engine.BuildConfigFor(r.Context(), p)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			s.writeFault(w, r, fault.Wrapf(fault.KindInvalidConfig, "api.build", err, "invalid build config"))
			return
		}
	}

	sess, err := s.engine.StartBuild(r.Context(), p.ID, cfg)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sess.ID})
}

// buildView is the API shape of a build session
type buildView struct {
	SessionID string                               `json:"session_id"`
	ProjectID string                               `json:"project_id"`
	StartedAt time.Time                            `json:"started_at"`
	Finished  bool                                 `json:"finished"`
	Steps     map[types.Platform][]types.BuildStep `json:"steps"`
	Results   []types.BuildResult                  `json:"results"`
}

func viewOf(sess *pipeline.Session) buildView {
	v := buildView{
		SessionID: sess.ID,
		ProjectID: sess.Project.ID,
		StartedAt: sess.StartedAt,
		Steps:     make(map[types.Platform][]types.BuildStep, len(sess.Config.Platforms)),
		Results:   sess.Results(),
	}
	for _, p := range sess.Config.Platforms {
		v.Steps[p] = sess.Steps(p)
	}
	select {
	case <-sess.Done():
		v.Finished = true
	default:
	}
	return v
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) cancelBuild(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	sess.Cancel()
	writeJSON(w, http.StatusAccepted, viewOf(sess))
}
