package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"cibot.dev/cibot/internal/engine"
)

func (s *Server) bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		s.fail(c, fmt.Errorf("%w: invalid request body: %v", errBadRequest, err))
		return false
	}
	return true
}

func (s *Server) handleEvent(c *gin.Context, ev engine.Event) {
	plan, err := s.router.Handle(c.Request.Context(), ev)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newPlanResponse(plan))
}

func (s *Server) handlePush(c *gin.Context) {
	var req pushRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if !s.requireRepository(c, req.RepoID) {
		return
	}
	s.handleEvent(c, req.event())
}

func (s *Server) handlePullRequest(c *gin.Context) {
	var req pullRequestEventRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if !s.requireRepository(c, req.RepoID) {
		return
	}
	ev, err := req.event()
	if err != nil {
		s.fail(c, err)
		return
	}
	s.handleEvent(c, ev)
}

func (s *Server) handleMergeCheck(c *gin.Context) {
	var req mergeCheckRequest
	if !s.bindJSON(c, &req) {
		return
	}
	pr, err := req.PullRequest.pullRequest(req.RepoID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.gate.Evaluate(c.Request.Context(), pr))
}

func (s *Server) handleBuildStatus(c *gin.Context) {
	path, err := parseBuildPath(c.Param("repo"), c.Param("kind"), c.Param("buildHead"), c.Param("mergeHead"), c.Param("pr"))
	if err != nil {
		s.fail(c, err)
		return
	}
	state, err := engine.ParseBuildState(c.Param("state"))
	if err != nil {
		s.fail(c, err)
		return
	}
	number, err := strconv.ParseInt(c.Param("build"), 10, 64)
	if err != nil {
		s.fail(c, fmt.Errorf("%w: invalid build number %q", errBadRequest, c.Param("build")))
		return
	}
	if !s.requireRepository(c, path.RepoID) {
		return
	}

	s.handleEvent(c, engine.BuildStatusReported{Report: engine.BuildReport{
		RepoID:        path.RepoID,
		Kind:          path.Kind,
		State:         state,
		BuildNumber:   number,
		BuildHead:     path.BuildHead,
		MergeHead:     path.MergeHead,
		PullRequestID: path.PullRequestID,
	}})
}

func (s *Server) handleTrigger(c *gin.Context) {
	path, err := parseBuildPath(c.Param("repo"), c.Param("kind"), c.Param("buildHead"), c.Param("mergeHead"), c.Param("pr"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if path.Kind == engine.JobVerifyPR && path.PullRequestID == 0 {
		s.fail(c, fmt.Errorf("%w: %s builds need a merge head and pull request id", errBadRequest, path.Kind))
		return
	}
	if !s.requireRepository(c, path.RepoID) {
		return
	}

	req := engine.BuildRequest{RepoID: path.RepoID, Kind: path.Kind, Commit: path.BuildHead}
	if path.PullRequestID != 0 {
		req.Merge = &engine.MergeContext{PullRequestID: path.PullRequestID, MergeHead: path.MergeHead}
	}
	if err := s.router.Retrigger(c.Request.Context(), req); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "triggered", "kind": path.Kind.String(), "commit": path.BuildHead})
}
