package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/victornm/duelo/internal/duel"
	"github.com/victornm/duelo/internal/errors"
)

// RegisterHTTP mounts the small REST surface next to the websocket: invite
// duel creation, so an invite link exists before either player connects.
func (a *API) RegisterHTTP(e *gin.Engine) {
	e.POST("/duels", a.handleCreateDuel)
}

type createDuelRequest struct {
	Topic    string `json:"topic"`
	Language string `json:"language"`
}

type createDuelResponse struct {
	DuelID string `json:"duel_id"`
}

func (a *API) handleCreateDuel(gc *gin.Context) {
	id, err := a.auth.Verify(bearerToken(gc))
	if err != nil {
		abortWithError(gc, err)
		return
	}

	var req createDuelRequest
	if err := gc.ShouldBindJSON(&req); err != nil {
		abortWithError(gc, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}
	if req.Language == "" {
		abortWithError(gc, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("language is required")))
		return
	}

	d, err := a.ds.CreateInvite(gc.Request.Context(), duel.CreateInviteRequest{
		CreatorID:   id.UserID,
		CreatorName: id.DisplayName,
		Topic:       req.Topic,
		Language:    req.Language,
	})
	if err != nil {
		abortWithError(gc, err)
		return
	}

	gc.JSON(201, createDuelResponse{DuelID: d.DuelID})
}

func bearerToken(gc *gin.Context) string {
	h := gc.GetHeader("Authorization")
	if t, ok := strings.CutPrefix(h, "Bearer "); ok {
		return t
	}
	return gc.Query("token")
}

func abortWithError(gc *gin.Context, err error) {
	e := errors.Convert(err)
	gc.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"code": e.CodeName(), "message": e.Message})
}
