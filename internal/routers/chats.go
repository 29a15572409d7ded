// Package routers maps http routes onto handlers
package routers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"relay-api/internal/conversations"
	"relay-api/internal/ctx"
	"relay-api/internal/handlers/chats"
	"relay-api/internal/middleware"
	"relay-api/internal/registry"
	"relay-api/internal/shared"

	"github.com/labstack/echo/v4"
)

type ConversationManager interface {
	List(ctx context.Context, principalID uint64) ([]shared.Conversation, error)
	View(ctx context.Context, principalID, id uint64) (*shared.ChatView, error)
	Rename(ctx context.Context, principalID, id uint64, title string) error
	TogglePin(ctx context.Context, principalID, id uint64) (bool, error)
	Share(ctx context.Context, principalID, id uint64) (string, error)
	Delete(ctx context.Context, principalID, id uint64) error
	ClearHistory(ctx context.Context, principalID uint64, r conversations.Range) (int64, error)
	GetShared(ctx context.Context, token string) (*shared.ChatView, error)
}

type BlobStore interface {
	StoreBlob(ctx context.Context, data []byte, contentType string) (string, error)
}

type ChatRouter struct {
	ch       *chats.ChatHandler
	convs    ConversationManager
	registry *registry.Registry
	blobs    BlobStore
}

func NewChatRouter(ch *chats.ChatHandler, convs ConversationManager, reg *registry.Registry, blobs BlobStore) *ChatRouter {
	return &ChatRouter{ch: ch, convs: convs, registry: reg, blobs: blobs}
}

func RegisterChatRoutes(e *echo.Group, cr *ChatRouter, pmw *middleware.PrincipalMiddleware) {
	api := e.Group("/api")
	public := api.Group("", pmw.ExtractPrincipal)
	private := api.Group("", pmw.ExtractPrincipal, pmw.RequirePrincipal)

	public.GET("/chats/models", cr.GetModels)
	public.GET("/shared/:token", cr.GetShared)

	private.GET("/chats", cr.ListChats)
	private.GET("/chats/:id", cr.GetChat)
	private.POST("/chats/new", cr.NewChat)
	private.POST("/chats/:id/message", cr.Reply)
	private.PATCH("/chats/:id", cr.RenameChat)
	private.PATCH("/chats/:id/pin", cr.PinChat)
	private.POST("/chats/:id/share", cr.ShareChat)
	private.DELETE("/chats/:id", cr.DeleteChat)
	private.DELETE("/chats/history/clear", cr.ClearHistory)
	private.POST("/upload", cr.Upload)
}

type ModelList struct {
	Default  string            `json:"default"`
	Families []registry.Family `json:"families"`
	Aliases  map[string]string `json:"aliases"`
}

func (cr *ChatRouter) GetModels(cc echo.Context) error {
	c := cc.(*ctx.Context)
	return c.JSON(http.StatusOK, ModelList{
		Default:  cr.registry.Default().ID,
		Families: cr.registry.Families(),
		Aliases:  cr.registry.Aliases(),
	})
}

type ChatRequest struct {
	Message       string   `json:"message"`
	Model         string   `json:"model"`
	Temperature   *float32 `json:"temperature"`
	WebSearch     bool     `json:"web_search"`
	AttachmentURL string   `json:"attachment_url"`
	Temporary     bool     `json:"is_temporary"`
}

func (cr *ChatRouter) NewChat(cc echo.Context) error {
	return cr.generate(cc.(*ctx.Context), 0)
}

func (cr *ChatRouter) Reply(cc echo.Context) error {
	c := cc.(*ctx.Context)
	id, err := chatIDParam(c)
	if err != nil {
		return respondError(c, err)
	}
	return cr.generate(c, id)
}

// generate only returns JSON errors until the attempt starts. Once the stream
// is open every failure is reported in band.
func (cr *ChatRouter) generate(c *ctx.Context, conversationID uint64) error {
	var req ChatRequest
	if err := bindJSON(c, &req); err != nil {
		return respondError(c, err)
	}
	req.Message = strings.TrimSpace(req.Message)

	attempt, err := cr.ch.Prepare(c.Request().Context(), chats.PrepareInput{
		Principal:      *c.Principal,
		ConversationID: conversationID,
		Message:        req.Message,
		Model:          req.Model,
		Temperature:    req.Temperature,
		WebSearch:      req.WebSearch,
		AttachmentURL:  req.AttachmentURL,
		Temporary:      req.Temporary && conversationID == 0,
	})
	if err != nil {
		return respondError(c, err)
	}

	c.LogValues.ChatID = attempt.Conversation.ID
	c.LogValues.Model = attempt.Model().ID
	c.LogValues.ModelFallback = attempt.Resolution.Fallback
	c.LogValues.ExecPath = attempt.Path.String()
	c.Response().Header().Set("X-Chat-Id", strconv.FormatUint(attempt.Conversation.ID, 10))

	if attempt.Path == registry.PathMediaJob {
		res, sum := attempt.RunMedia(c.Request().Context())
		c.LogValues.Charged = sum.Charged
		if sum.Err != nil {
			merr := attempt.Error(sum)
			c.LogValues.AddError(merr.Err)
			c.LogValues.LogLevel = "ERROR"
			return c.JSON(http.StatusBadGateway, shared.ErrorBody{Error: merr.Message, ChatID: merr.ChatID})
		}
		return c.JSON(http.StatusOK, res)
	}

	setupNDJSONHeaders(c)
	sum := attempt.Stream(c.Request().Context(), createStreamCallback(c))
	c.LogValues.Charged = sum.Charged
	c.LogValues.OutputChars = sum.OutputChars
	c.LogValues.InputTokens = sum.InputTokens
	c.LogValues.OutputTokens = sum.OutputTokens
	if sum.Err != nil {
		c.LogValues.AddError(sum.Err)
		c.LogValues.LogLevel = "ERROR"
	}
	return nil
}

func (cr *ChatRouter) ListChats(cc echo.Context) error {
	c := cc.(*ctx.Context)
	list, err := cr.convs.List(c.Request().Context(), c.Principal.ID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"chats": list})
}

func (cr *ChatRouter) GetChat(cc echo.Context) error {
	c := cc.(*ctx.Context)
	id, err := chatIDParam(c)
	if err != nil {
		return respondError(c, err)
	}
	view, err := cr.convs.View(c.Request().Context(), c.Principal.ID, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

type RenameRequest struct {
	Title string `json:"title"`
}

func (cr *ChatRouter) RenameChat(cc echo.Context) error {
	c := cc.(*ctx.Context)
	id, err := chatIDParam(c)
	if err != nil {
		return respondError(c, err)
	}
	var req RenameRequest
	if err := bindJSON(c, &req); err != nil {
		return respondError(c, err)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return respondError(c, shared.ErrBadRequest)
	}
	title = shared.Truncate(title, 100)
	if err := cr.convs.Rename(c.Request().Context(), c.Principal.ID, id, title); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "title": title})
}

func (cr *ChatRouter) PinChat(cc echo.Context) error {
	c := cc.(*ctx.Context)
	id, err := chatIDParam(c)
	if err != nil {
		return respondError(c, err)
	}
	pinned, err := cr.convs.TogglePin(c.Request().Context(), c.Principal.ID, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "is_pinned": pinned})
}

func (cr *ChatRouter) ShareChat(cc echo.Context) error {
	c := cc.(*ctx.Context)
	id, err := chatIDParam(c)
	if err != nil {
		return respondError(c, err)
	}
	token, err := cr.convs.Share(c.Request().Context(), c.Principal.ID, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "share_token": token})
}

func (cr *ChatRouter) DeleteChat(cc echo.Context) error {
	c := cc.(*ctx.Context)
	id, err := chatIDParam(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := cr.convs.Delete(c.Request().Context(), c.Principal.ID, id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (cr *ChatRouter) ClearHistory(cc echo.Context) error {
	c := cc.(*ctx.Context)
	r := conversations.Range(c.QueryParam("range"))
	if r == "" {
		r = conversations.RangeAll
	}
	removed, err := cr.convs.ClearHistory(c.Request().Context(), c.Principal.ID, r)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"deleted": removed, "range": r})
}

func (cr *ChatRouter) GetShared(cc echo.Context) error {
	c := cc.(*ctx.Context)
	view, err := cr.convs.GetShared(c.Request().Context(), c.Param("token"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// Upload stores a user attachment and returns its durable url
func (cr *ChatRouter) Upload(cc echo.Context) error {
	c := cc.(*ctx.Context)
	fh, err := c.FormFile("file")
	if err != nil {
		return respondError(c, errors.Join(shared.ErrBadRequest, err))
	}
	if fh.Size > shared.MaxUploadBytes {
		return respondError(c, &shared.RequestError{StatusCode: http.StatusRequestEntityTooLarge, Err: errors.New("file too large")})
	}
	f, err := fh.Open()
	if err != nil {
		return respondError(c, errors.Join(shared.ErrBadRequest, err))
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, shared.MaxUploadBytes+1))
	if err != nil {
		return respondError(c, errors.Join(shared.ErrBadRequest, err))
	}
	if len(data) > shared.MaxUploadBytes {
		return respondError(c, &shared.RequestError{StatusCode: http.StatusRequestEntityTooLarge, Err: errors.New("file too large")})
	}
	url, err := cr.blobs.StoreBlob(c.Request().Context(), data, fh.Header.Get("Content-Type"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"url": url})
}
