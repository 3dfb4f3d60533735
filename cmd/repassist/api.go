package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meridianlabs/repassist/conversation"
	"github.com/meridianlabs/repassist/workflow"
)

// Request surface subjects. Clients use NATS request/reply; workflow
// progress streams separately on rep.events.<conversation_id>.
const (
	subjectAssistStart        = "rep.assist.start"
	subjectAssistCancel       = "rep.assist.cancel"
	subjectConversationCreate = "rep.conversation.create"
	subjectConversationAppend = "rep.conversation.message"
	subjectResolutionList     = "rep.resolution.list"
	subjectResolutionApprove  = "rep.resolution.approve"
)

const requestTimeout = 10 * time.Second

type assistStartRequest struct {
	ConversationID   string `json:"conversation_id"`
	RepresentativeID string `json:"representative_id"`
	Force            bool   `json:"force"`
}

type assistCancelRequest struct {
	ConversationID string `json:"conversation_id"`
}

type assistCancelReply struct {
	Cancelled bool `json:"cancelled"`
}

type appendMessageRequest struct {
	ConversationID string            `json:"conversation_id"`
	Role           conversation.Role `json:"role"`
	Content        string            `json:"content"`
}

type resolutionListRequest struct {
	ConversationID string `json:"conversation_id"`
}

type approvalRequest struct {
	ResolutionID     string                      `json:"resolution_id"`
	Action           conversation.ApprovalAction `json:"action"`
	RepresentativeID string                      `json:"representative_id"`
	Feedback         string                      `json:"feedback,omitempty"`
	EditedText       string                      `json:"edited_text,omitempty"`
}

type errorReply struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// subscribeAPI registers the request/reply handlers.
func (a *App) subscribeAPI() error {
	handlers := map[string]nats.MsgHandler{
		subjectAssistStart:        a.handleAssistStart,
		subjectAssistCancel:       a.handleAssistCancel,
		subjectConversationCreate: a.handleConversationCreate,
		subjectConversationAppend: a.handleConversationAppend,
		subjectResolutionList:     a.handleResolutionList,
		subjectResolutionApprove:  a.handleResolutionApprove,
	}

	for subject, handler := range handlers {
		sub, err := a.natsConn.Subscribe(subject, handler)
		if err != nil {
			return err
		}
		a.subs = append(a.subs, sub)
	}

	a.logger.Info("Request surface ready", slog.Int("subjects", len(handlers)))
	return nil
}

func (a *App) handleAssistStart(msg *nats.Msg) {
	var req assistStartRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.replyError(msg, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	result, err := a.engine.StartRun(ctx, req.ConversationID, req.RepresentativeID, req.Force)
	if err != nil {
		a.replyError(msg, err)
		return
	}
	a.reply(msg, result)
}

func (a *App) handleAssistCancel(msg *nats.Msg) {
	var req assistCancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.replyError(msg, err)
		return
	}
	a.reply(msg, assistCancelReply{Cancelled: a.engine.Cancel(req.ConversationID)})
}

func (a *App) handleConversationCreate(msg *nats.Msg) {
	var conv conversation.Conversation
	if err := json.Unmarshal(msg.Data, &conv); err != nil {
		a.replyError(msg, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := a.convs.CreateConversation(ctx, &conv); err != nil {
		a.replyError(msg, err)
		return
	}
	a.reply(msg, conv)
}

func (a *App) handleConversationAppend(msg *nats.Msg) {
	var req appendMessageRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.replyError(msg, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	saved, err := a.convs.AppendMessage(ctx, req.ConversationID, conversation.Message{
		Role:    req.Role,
		Content: req.Content,
	})
	if err != nil {
		a.replyError(msg, err)
		return
	}
	a.reply(msg, saved)
}

func (a *App) handleResolutionList(msg *nats.Msg) {
	var req resolutionListRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.replyError(msg, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resolutions, err := a.convs.ListResolutions(ctx, req.ConversationID)
	if err != nil {
		a.replyError(msg, err)
		return
	}
	a.reply(msg, resolutions)
}

func (a *App) handleResolutionApprove(msg *nats.Msg) {
	var req approvalRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.replyError(msg, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	res, err := a.convs.GetResolution(ctx, req.ResolutionID)
	if err != nil {
		a.replyError(msg, err)
		return
	}

	if err := res.ApplyApproval(conversation.ApprovalRecord{
		Action:           req.Action,
		Feedback:         req.Feedback,
		EditedText:       req.EditedText,
		RepresentativeID: req.RepresentativeID,
	}); err != nil {
		a.replyError(msg, err)
		return
	}

	if err := a.convs.SaveResolution(ctx, res); err != nil {
		a.replyError(msg, err)
		return
	}
	a.reply(msg, res)
}

func (a *App) reply(msg *nats.Msg, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		a.replyError(msg, err)
		return
	}
	if err := msg.Respond(data); err != nil {
		a.logger.Warn("Failed to respond",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()))
	}
}

func (a *App) replyError(msg *nats.Msg, err error) {
	reply := errorReply{Error: err.Error()}
	if kind := workflow.KindOf(err); kind != "" {
		reply.ErrorKind = string(kind)
	}

	data, marshalErr := json.Marshal(reply)
	if marshalErr != nil {
		return
	}
	if respondErr := msg.Respond(data); respondErr != nil {
		a.logger.Warn("Failed to respond with error",
			slog.String("subject", msg.Subject),
			slog.String("error", respondErr.Error()))
	}
}
