package computeapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/podex/podex/pkg/models"
)

func (s *Server) mountFileRoutes(r chi.Router) {
	r.Get("/files", s.listFiles)
	r.Get("/files/content", s.readFile)
	r.Put("/files/content", s.writeFile)
	r.Delete("/files", s.deleteFile)
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir = e.WorkDir
	}
	entries, err := s.driver.ListFiles(r.Context(), e.HostID, e.ContainerID, dir)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []models.FileEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) readFile(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	content, err := s.driver.ReadFile(r.Context(), e.HostID, e.ContainerID, path)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"path": path, "content": content})
}

func (s *Server) writeFile(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req WriteFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := s.driver.WriteFile(r.Context(), e.HostID, e.ContainerID, req.Path, req.Content); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := s.driver.DeleteFile(r.Context(), e.HostID, e.ContainerID, path); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) mountGitRoutes(r chi.Router) {
	r.Route("/git", func(r chi.Router) {
		r.Get("/status", s.gitStatus)
		r.Get("/log", s.gitLog)
		r.Get("/diff", s.gitDiff)
		r.Get("/branches", s.gitBranches)
		r.Get("/compare", s.gitBranchCompare)
		r.Post("/stage", s.gitStage)
		r.Post("/unstage", s.gitUnstage)
		r.Post("/commit", s.gitCommit)
		r.Post("/push", s.gitPush)
		r.Post("/pull", s.gitPull)
		r.Post("/checkout", s.gitCheckout)
		r.Post("/worktree/add", s.gitWorktreeAdd)
		r.Post("/worktree/remove", s.gitWorktreeRemove)
		r.Post("/merge-preview", s.gitMergePreview)
	})
}

// repoDir picks the git repo path: explicit ?dir= wins over the entry's
// work dir.
func repoDir(r *http.Request, e *WorkspaceEntry) string {
	if dir := r.URL.Query().Get("dir"); dir != "" {
		return dir
	}
	return e.WorkDir
}

func (s *Server) gitStatus(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	status, err := s.driver.GitStatus(r.Context(), e.HostID, e.ContainerID, repoDir(r, e))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) gitLog(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	commits, err := s.driver.GitLog(r.Context(), e.HostID, e.ContainerID, repoDir(r, e), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if commits == nil {
		commits = []models.GitCommit{}
	}
	respondJSON(w, http.StatusOK, commits)
}

func (s *Server) gitDiff(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	stats, err := s.driver.GitDiffStat(r.Context(), e.HostID, e.ContainerID, repoDir(r, e), q.Get("from"), q.Get("to"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stats == nil {
		stats = []models.GitDiffStat{}
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) gitBranches(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	branches, err := s.driver.GitBranches(r.Context(), e.HostID, e.ContainerID, repoDir(r, e))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if branches == nil {
		branches = []models.GitBranch{}
	}
	respondJSON(w, http.StatusOK, branches)
}

func (s *Server) gitBranchCompare(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	base, head := q.Get("base"), q.Get("head")
	if base == "" || head == "" {
		respondError(w, http.StatusBadRequest, "base and head are required")
		return
	}
	cmp, err := s.driver.GitBranchCompare(r.Context(), e.HostID, e.ContainerID, repoDir(r, e), base, head)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cmp)
}

func (s *Server) gitStage(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req GitPathsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.driver.GitStage(r.Context(), e.HostID, e.ContainerID, repoDir(r, e), req.Paths); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) gitUnstage(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req GitPathsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.driver.GitUnstage(r.Context(), e.HostID, e.ContainerID, repoDir(r, e), req.Paths); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) gitCommit(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req GitCommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	hash, err := s.driver.GitCommit(r.Context(), e.HostID, e.ContainerID, repoDir(r, e), req.Message)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"hash": hash})
}

func (s *Server) gitPush(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	if err := s.driver.GitPush(r.Context(), e.HostID, e.ContainerID, repoDir(r, e)); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) gitPull(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	if err := s.driver.GitPull(r.Context(), e.HostID, e.ContainerID, repoDir(r, e)); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) gitCheckout(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req GitCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Branch == "" {
		respondError(w, http.StatusBadRequest, "branch is required")
		return
	}
	if err := s.driver.GitCheckout(r.Context(), e.HostID, e.ContainerID, repoDir(r, e), req.Branch, req.Create); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) gitWorktreeAdd(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req GitWorktreeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" || req.Branch == "" {
		respondError(w, http.StatusBadRequest, "path and branch are required")
		return
	}
	if err := s.driver.GitWorktreeAdd(r.Context(), e.HostID, e.ContainerID, repoDir(r, e), req.Path, req.Branch); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) gitWorktreeRemove(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req GitWorktreeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := s.driver.GitWorktreeRemove(r.Context(), e.HostID, e.ContainerID, repoDir(r, e), req.Path); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) gitMergePreview(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req GitMergePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Branch == "" {
		respondError(w, http.StatusBadRequest, "branch is required")
		return
	}
	preview, err := s.driver.GitMergePreview(r.Context(), e.HostID, e.ContainerID, repoDir(r, e), req.Branch)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, preview)
}
