package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	cmdretrieval "github.com/saludtech/data-retrieval/internal/app/commands/retrieval"
	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
)

type createTaskRequest struct {
	// CommandID deduplicates retried submissions. Callers that want
	// exactly-once task creation supply their own; otherwise one is minted
	// per request.
	CommandID string `json:"command_id"`

	SourceType      string            `json:"source_type"`
	SourceName      string            `json:"source_name"`
	SourceID        string            `json:"source_id"`
	Location        string            `json:"location"`
	RetrievalMethod string            `json:"retrieval_method"`
	BatchID         string            `json:"batch_id"`
	Priority        int               `json:"priority"`
	Metadata        map[string]string `json:"metadata"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.CommandID == "" {
		req.CommandID = uuid.NewString()
	}

	cmd := cmdretrieval.NewCreateRetrievalTaskCommand(
		req.CommandID,
		retrieval.SourceType(req.SourceType),
		req.SourceName,
		req.SourceID,
		req.Location,
		retrieval.RetrievalMethod(req.RetrievalMethod),
		req.BatchID,
		req.Priority,
		req.Metadata,
	)

	result, err := s.cmdHandler.Handle(c.Request.Context(), cmd)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) handleListTasks(c *gin.Context) {
	filter := retrieval.TaskFilter{
		PendingOnly: c.Query("pending_only") == "true",
		SourceID:    c.Query("source_id"),
		BatchID:     c.Query("batch_id"),
	}

	var err error
	if filter.Limit, err = intQuery(c, "limit"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	if filter.Offset, err = intQuery(c, "offset"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}

	tasks, err := s.queries.ListTasks(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": toTaskResponses(tasks)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	task, err := s.queries.GetTask(c.Request.Context(), taskID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(task))
}

func (s *Server) handleStartTask(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	var req struct {
		CommandID string `json:"command_id"`
	}
	// The body is optional; a bare POST starts the task with a fresh
	// command id.
	_ = c.ShouldBindJSON(&req)
	if req.CommandID == "" {
		req.CommandID = uuid.NewString()
	}

	cmd := cmdretrieval.NewStartRetrievalTaskCommand(req.CommandID, taskID)
	result, err := s.cmdHandler.Handle(c.Request.Context(), cmd)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleCompleteTask(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	var req struct {
		CommandID        string `json:"command_id"`
		SuccessfulImages int    `json:"successful_images"`
		FailedImages     int    `json:"failed_images"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.CommandID == "" {
		req.CommandID = uuid.NewString()
	}

	cmd := cmdretrieval.NewCompleteRetrievalTaskCommand(req.CommandID, taskID, req.SuccessfulImages, req.FailedImages)
	result, err := s.cmdHandler.Handle(c.Request.Context(), cmd)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// taskIDParam parses the :id path segment, writing a 400 response itself when
// the id is not a UUID.
func taskIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task id must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, strconv.ErrSyntax
	}
	return v, nil
}
