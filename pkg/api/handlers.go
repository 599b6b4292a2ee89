package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/korjavin/mealtracker/pkg/messages"
	"github.com/korjavin/mealtracker/pkg/models"
	"github.com/korjavin/mealtracker/pkg/serving"
	"github.com/rs/xid"
)

// ServeRequest is the body of the serve and confirm endpoints
type ServeRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	MealTime      string `json:"meal_time" binding:"required"`
}

// fail writes the error response for err. p and meal are the parsed request values, possibly empty.
func (s *Server) fail(c *gin.Context, err error, p models.ParticipantID, rawMeal string) {
	status := http.StatusBadRequest
	var detail string
	meal := models.MealSlot(rawMeal)

	switch {
	case errors.Is(err, serving.ErrInvalidParticipant):
		detail = messages.InvalidParticipant(s.coord.Roster().Describe())
	case errors.Is(err, serving.ErrInvalidMeal):
		detail = messages.InvalidMeal(rawMeal, s.coord.Meals())
	case errors.Is(err, serving.ErrNotAwaitingService):
		detail = messages.NotAwaiting(p, meal)
	case errors.Is(err, serving.ErrAlreadyServedToday):
		detail = messages.AlreadyServed(p, meal)
	case errors.Is(err, serving.ErrLedgerUnavailable):
		status = http.StatusInternalServerError
		var le *serving.LedgerError
		if errors.As(err, &le) {
			detail = messages.LedgerUnavailable(le.Err)
		} else {
			detail = messages.LedgerUnavailable(err)
		}
	default:
		status = http.StatusInternalServerError
		detail = fmt.Sprintf("Internal server error: %v", err)
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"detail": detail})
}

func (s *Server) bind(c *gin.Context) (ServeRequest, bool) {
	var req ServeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return req, false
	}
	return req, true
}

func (s *Server) serveFood(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}
	res, err := s.coord.RequestService(c.Request.Context(), req.ParticipantID, req.MealTime, s.now())
	if err != nil {
		s.fail(c, err, res.Participant, req.MealTime)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": res.Message()})
}

func (s *Server) foodIsServed(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}
	res, err := s.coord.ConfirmService(c.Request.Context(), req.ParticipantID, req.MealTime, s.now())
	if err != nil {
		meal := req.MealTime
		if res.Meal != "" {
			meal = string(res.Meal)
		}
		s.fail(c, err, res.Participant, meal)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": res.Message()})
}

// viewerID identifies the SSE client. Anonymous viewers get a generated id, returned in X-Viewer-ID.
func viewerID(c *gin.Context) string {
	if id := c.GetHeader("X-Viewer-ID"); id != "" {
		return id
	}
	if id := c.GetHeader("X-Participant-ID"); id != "" {
		return id
	}
	return xid.New().String()
}

func (s *Server) awaitingParticipants(c *gin.Context) {
	id := viewerID(c)
	sub := s.hub.Subscribe(id)
	defer s.hub.Release(sub)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Viewer-ID", id)
	c.Status(http.StatusOK)

	for snap := range sub.Updates(c.Request.Context(), s.interval, s.coord.Snapshot) {
		c.SSEvent("", snap.Views())
		c.Writer.Flush()
	}
	s.logger.Debug("Stream for viewer %s ended", id)
}

func (s *Server) removeConnectedClient(c *gin.Context) {
	id := c.Param("viewer_id")
	if s.hub.Remove(id) {
		c.JSON(http.StatusOK, gin.H{"message": messages.ClientRemoved(id)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": messages.ClientNotFound(id)})
}

func (s *Server) mealCounts(c *gin.Context) {
	rawMeal, ok := c.GetQuery("meal_time")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "meal_time query parameter is required"})
		return
	}
	meal, err := s.coord.ParseMeal(rawMeal)
	if err != nil {
		s.fail(c, err, "", rawMeal)
		return
	}
	n, err := s.coord.MealCount(c.Request.Context(), string(meal), s.now())
	switch {
	case errors.Is(err, serving.ErrLedgerUnavailable):
		var le *serving.LedgerError
		cause := err
		if errors.As(err, &le) {
			cause = le.Err
		}
		s.logger.Error("Failed to count %s: %v", meal, err)
		c.JSON(http.StatusOK, gin.H{string(meal): messages.MealCountError(cause)})
	case err != nil:
		s.fail(c, err, "", rawMeal)
	default:
		c.JSON(http.StatusOK, gin.H{string(meal): messages.MealCount(n)})
	}
}

func (s *Server) participantStatus(c *gin.Context) {
	rawMeal, ok := c.GetQuery("meal_time")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "meal_time query parameter is required"})
		return
	}
	res, err := s.coord.Status(c.Request.Context(), c.Param("participant_id"), rawMeal, s.now())
	if err != nil {
		s.fail(c, err, res.Participant, rawMeal)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  res.Status.String(),
		"message": res.Message(),
	})
}

func (s *Server) remainingParticipants(c *gin.Context) {
	rawMeal := c.Param("meal_time")
	meal, err := s.coord.ParseMeal(rawMeal)
	if err != nil {
		s.fail(c, err, "", rawMeal)
		return
	}
	remaining, err := s.coord.RemainingParticipants(c.Request.Context(), string(meal), s.now())
	if err != nil {
		s.fail(c, err, "", rawMeal)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"meal_time":              meal,
		"remaining_participants": remaining,
	})
}

func (s *Server) summary(c *gin.Context) {
	summary, err := s.stats.Daily(c.Request.Context(), s.now())
	if err != nil {
		s.fail(c, err, "", "")
		return
	}
	c.JSON(http.StatusOK, summary)
}
