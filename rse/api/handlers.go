package api

import (
	"errors"
	"net/http"

	"github.com/nzcbass/refsession/rse/session"
	"github.com/nzcbass/refsession/rse/template"

	"github.com/gin-gonic/gin"
)

type provisionRequest struct {
	TemplateID string `json:"template_id" binding:"required"`
}

type initRequest struct {
	Token string `json:"token" binding:"required,notblank"`
}

type submitAnswerRequest struct {
	QuestionIndex *int   `json:"question_index" binding:"required"`
	Answer        string `json:"answer"`
}

type reviseRequest struct {
	NewAnswer string `json:"new_answer" binding:"required,notblank"`
	Reason    string `json:"reason" binding:"required"`
	EditedBy  string `json:"edited_by" binding:"required,notblank"`
}

func (s *Server) handleProvision() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req provisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
			return
		}

		sess, err := s.manager.Provision(c.Request.Context(), req.TemplateID)
		if err != nil {
			s.writeError(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"session_id":  sess.ID,
			"token":       sess.Token,
			"template_id": sess.TemplateID,
		})
	}
}

func (s *Server) handleInit() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req initRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
			return
		}

		result, err := s.manager.Init(c.Request.Context(), req.Token)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) handleSubmitAnswer() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitAnswerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
			return
		}

		result, err := s.manager.SubmitAnswer(c.Request.Context(), c.Param("id"), *req.QuestionIndex, req.Answer)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) handleRevise() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reviseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
			return
		}

		version, err := s.manager.Revise(c.Request.Context(), c.Param("id"), req.NewAnswer, req.Reason, req.EditedBy)
		if err != nil {
			s.writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"version": version.Version,
			"content": version.Content,
		})
	}
}

func (s *Server) handleListVersions() gin.HandlerFunc {
	return func(c *gin.Context) {
		versions, err := s.manager.ListVersions(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"versions": versions})
	}
}

func (s *Server) handleReview() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := s.manager.Review(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) handleComplete() gin.HandlerFunc {
	return func(c *gin.Context) {
		seal, err := s.manager.Complete(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"state":        session.StateCompleted,
			"seal_digest":  seal.Digest,
			"completed_at": seal.CompletedAt,
		})
	}
}

// writeError maps session sentinels onto stable error codes and HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var status int
	var code string

	switch {
	case errors.Is(err, session.ErrInvalidToken):
		status, code = http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, session.ErrSessionNotFound):
		status, code = http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrAnswerNotFound):
		status, code = http.StatusNotFound, "answer_not_found"
	case errors.Is(err, template.ErrTemplateNotFound):
		status, code = http.StatusNotFound, "template_not_found"
	case errors.Is(err, session.ErrQuestionIndexMismatch):
		status, code = http.StatusConflict, "question_index_mismatch"
	case errors.Is(err, session.ErrAlreadyCompleted):
		status, code = http.StatusConflict, "already_completed"
	case errors.Is(err, session.ErrNotReadyForReview):
		status, code = http.StatusConflict, "not_ready_for_review"
	case errors.Is(err, session.ErrConcurrentModification):
		status, code = http.StatusLocked, "concurrent_modification"
	case errors.Is(err, session.ErrValidationFailed):
		status, code = http.StatusUnprocessableEntity, "validation_failed"
	default:
		status, code = http.StatusInternalServerError, "internal_error"
	}

	c.JSON(status, gin.H{"code": code, "error": err.Error()})
}
